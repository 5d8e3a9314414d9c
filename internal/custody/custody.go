// Package custody holds the on-chain contract addresses the session layer's
// allocation vectors mirror. The contract logic itself lives elsewhere; this
// layer only validates and carries the addresses.
package custody

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Addresses identifies the custody deployment a session runs against.
type Addresses struct {
	Custody     string `json:"custody" yaml:"custody"`
	Adjudicator string `json:"adjudicator" yaml:"adjudicator"`
	Token       string `json:"token" yaml:"token"`
	Guest       string `json:"guest" yaml:"guest"`
}

// Config couples the deployment addresses with the dispute window.
type Config struct {
	Addresses         Addresses     `yaml:"addresses"`
	ChallengeDuration time.Duration `yaml:"challenge_duration"`
}

// DefaultChallengeDuration matches the deployed adjudicator's dispute window.
const DefaultChallengeDuration = time.Hour

// Validate checks every configured address is well-formed hex.
func (a Addresses) Validate() error {
	fields := map[string]string{
		"custody":     a.Custody,
		"adjudicator": a.Adjudicator,
		"token":       a.Token,
		"guest":       a.Guest,
	}
	for name, addr := range fields {
		if addr == "" {
			return fmt.Errorf("custody %s address is required", name)
		}
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("custody %s address %q is not a valid hex address", name, addr)
		}
	}
	return nil
}

// Validate applies defaults and checks the addresses.
func (c *Config) Validate() error {
	if c.ChallengeDuration <= 0 {
		c.ChallengeDuration = DefaultChallengeDuration
	}
	return c.Addresses.Validate()
}
