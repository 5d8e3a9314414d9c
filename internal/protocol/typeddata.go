package protocol

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Allowance grants the relay spend authority over an asset. The allowance
// list is empty at auth time.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// WalletSigner signs an EIP-712 digest with the user's wallet key. Keeping
// this a capability lets a hardened deployment swap in external key custody
// without touching the protocol logic.
type WalletSigner interface {
	SignDigest(digest []byte) ([]byte, error)
	Address() common.Address
}

// SignDigest implements WalletSigner on the ephemeral key signer, so a local
// key can stand in for a wallet in tests and headless deployments.
func (s *KeySigner) SignDigest(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.key)
}

// policyTypes is the EIP-712 type set for the authentication policy message.
var policyTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
	},
	"Policy": {
		{Name: "challenge", Type: "string"},
		{Name: "scope", Type: "string"},
		{Name: "wallet", Type: "address"},
		{Name: "application", Type: "address"},
		{Name: "participant", Type: "address"},
		{Name: "expire", Type: "uint256"},
		{Name: "allowances", Type: "Allowance[]"},
	},
	"Allowance": {
		{Name: "asset", Type: "string"},
		{Name: "amount", Type: "uint256"},
	},
}

// TypedDataSigner signs the server-issued challenge with the wallet using a
// domain-separated EIP-712 Policy message. It satisfies Signer: the payload
// handed to Sign is the previous inbound frame, from which the challenge
// token is extracted.
type TypedDataSigner struct {
	wallet      WalletSigner
	appName     string
	scope       string
	application common.Address
	participant common.Address
	expire      string
	allowances  []Allowance
}

// NewTypedDataSigner builds a typed-data signer for one authentication
// attempt. participant is the ephemeral signing identity's address; expire is
// string-encoded unix seconds.
func NewTypedDataSigner(wallet WalletSigner, appName, scope string, application, participant common.Address, expire string, allowances []Allowance) *TypedDataSigner {
	if allowances == nil {
		allowances = []Allowance{}
	}
	return &TypedDataSigner{
		wallet:      wallet,
		appName:     appName,
		scope:       scope,
		application: application,
		participant: participant,
		expire:      expire,
		allowances:  allowances,
	}
}

// Sign extracts the challenge token from the inbound frame and signs the
// Policy message over it.
func (s *TypedDataSigner) Sign(payload []byte) (string, error) {
	ch, err := ExtractChallenge(payload)
	if err != nil {
		return "", err
	}
	return s.SignChallenge(ch.Token)
}

// SignChallenge signs the Policy message for an already-extracted token.
func (s *TypedDataSigner) SignChallenge(token string) (string, error) {
	allowances := make([]any, len(s.allowances))
	for i, a := range s.allowances {
		allowances[i] = map[string]any{
			"asset":  a.Asset,
			"amount": a.Amount,
		}
	}

	typedData := apitypes.TypedData{
		Types:       policyTypes,
		PrimaryType: "Policy",
		Domain: apitypes.TypedDataDomain{
			Name: s.appName,
		},
		Message: apitypes.TypedDataMessage{
			"challenge":   token,
			"scope":       s.scope,
			"wallet":      s.wallet.Address().Hex(),
			"application": s.application.Hex(),
			"participant": s.participant.Hex(),
			"expire":      s.expire,
			"allowances":  allowances,
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := s.wallet.SignDigest(digest)
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}
	if len(sig) == 65 && sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

// Address returns the wallet address the policy is bound to.
func (s *TypedDataSigner) Address() common.Address {
	return s.wallet.Address()
}
