// Package participant tracks the parties known to the session coordinator.
// Participants are appended as they authenticate and persisted in an external
// store; the in-memory sequence is always ordered by join time.
package participant

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Participant is a party known to the session, identified by its blockchain
// address.
type Participant struct {
	Address  string    `json:"address"`
	JoinedAt time.Time `json:"joined_at"`
}

// Store persists participants. Upsert is idempotent keyed by address; List
// returns participants ordered by join time ascending.
type Store interface {
	Upsert(ctx context.Context, address string) error
	List(ctx context.Context) ([]Participant, error)
}

// Canonicalize lower-cases a 0x-prefixed 20-byte hex address, rejecting
// anything else.
func Canonicalize(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("invalid participant address %q", address)
	}
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		address = "0x" + address
	}
	return strings.ToLower(address), nil
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Participant
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Participant),
		now:     time.Now,
	}
}

// Upsert records a participant, keeping the original join time when the
// address is already known.
func (s *MemoryStore) Upsert(ctx context.Context, address string) error {
	addr, err := Canonicalize(address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[addr]; ok {
		return nil
	}
	s.entries[addr] = Participant{Address: addr, JoinedAt: s.now()}
	return nil
}

// List returns participants ordered by join time ascending.
func (s *MemoryStore) List(ctx context.Context) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Participant, 0, len(s.entries))
	for _, p := range s.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].Address < out[j].Address
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}
