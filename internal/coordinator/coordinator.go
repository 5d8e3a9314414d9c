// Package coordinator composes the transport, authenticator, and session
// manager into the single client surface callers hold. Instances are
// caller-owned; nothing here is package-global.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/yellowfun/session_layer/internal/auth"
	"github.com/yellowfun/session_layer/internal/metrics"
	"github.com/yellowfun/session_layer/internal/participant"
	"github.com/yellowfun/session_layer/internal/protocol"
	"github.com/yellowfun/session_layer/internal/session"
	"github.com/yellowfun/session_layer/internal/transport"
	"github.com/yellowfun/session_layer/pkg/logger"
)

// Config assembles the per-component settings.
type Config struct {
	Transport transport.Config
	Auth      auth.Config
	Reconnect transport.ReconnectPolicy
}

// Coordinator drives one relay connection through its whole lifecycle:
// connect, authenticate, create and close application sessions.
type Coordinator struct {
	log      *logger.Logger
	m        *metrics.Metrics
	conn     *transport.Conn
	auth     *auth.Authenticator
	sessions *session.Manager
	policy   transport.ReconnectPolicy
}

// New builds a coordinator around an explicit signing identity. Identity
// creation or restoration is the caller's step, never an implicit side
// effect of construction.
func New(cfg Config, identity *protocol.KeySigner, wallet protocol.WalletSigner, store participant.Store, log *logger.Logger, m *metrics.Metrics) (*Coordinator, error) {
	if identity == nil {
		return nil, errors.New("signing identity is required")
	}
	if wallet == nil {
		return nil, errors.New("wallet signer is required")
	}
	if store == nil {
		store = participant.NewMemoryStore()
	}
	if m == nil {
		m = metrics.New()
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = transport.DefaultReconnectPolicy()
	}

	conn := transport.New(cfg.Transport, log, m)
	authn := auth.New(conn, identity, wallet, store, cfg.Auth, log, m)
	sessions := session.NewManager(conn, identity, authn, log, m)

	return &Coordinator{
		log:      log,
		m:        m,
		conn:     conn,
		auth:     authn,
		sessions: sessions,
		policy:   cfg.Reconnect,
	}, nil
}

// LoadOrCreateIdentity restores the session key from path, generating and
// persisting a fresh one when no identity file exists yet.
func LoadOrCreateIdentity(path string) (*protocol.KeySigner, error) {
	identity, err := protocol.RestoreIdentity(path)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("restore identity: %w", err)
	}
	identity, err = protocol.NewKeySigner()
	if err != nil {
		return nil, err
	}
	if err := protocol.SaveIdentity(path, identity); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return identity, nil
}

// Connect dials the relay.
func (c *Coordinator) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Reconnect re-dials with the configured backoff policy after a drop.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	return transport.Reconnect(ctx, c.conn, c.policy, c.log)
}

// Disconnect tears the connection down. In-flight calls fail with
// ErrConnectionClosed and the auth and session state reset.
func (c *Coordinator) Disconnect() {
	c.conn.Disconnect()
}

// ConnectionState reports the transport state.
func (c *Coordinator) ConnectionState() transport.State {
	return c.conn.State()
}

// Authenticate runs the challenge/response flow and blocks until the relay
// confirms or rejects.
func (c *Coordinator) Authenticate(ctx context.Context) error {
	return c.auth.Authenticate(ctx)
}

// IsAuthenticated reports whether the last authentication completed.
func (c *Coordinator) IsAuthenticated() bool {
	return c.auth.IsAuthenticated()
}

// HasChannel reports whether the post-auth listing showed an existing
// channel.
func (c *Coordinator) HasChannel() bool {
	return c.auth.HasChannel()
}

// Participants returns the known participant sequence, ordered by join time.
func (c *Coordinator) Participants() []participant.Participant {
	return c.auth.Participants()
}

// UpdateAllocation edits the pending allocation set in memory.
func (c *Coordinator) UpdateAllocation(participantAddr, asset, amount string) {
	c.sessions.UpdateAllocation(participantAddr, asset, amount)
}

// RemoveAllocation drops a pending allocation edit.
func (c *Coordinator) RemoveAllocation(participantAddr, asset string) {
	c.sessions.RemoveAllocation(participantAddr, asset)
}

// Allocations returns the pending allocation edits.
func (c *Coordinator) Allocations() []session.Allocation {
	return c.sessions.Allocations()
}

// CreateSession opens an application session overlaying the pending
// allocation edits onto the base vector.
func (c *Coordinator) CreateSession(ctx context.Context) (*session.AppSession, error) {
	return c.sessions.CreateSession(ctx, c.sessions.Allocations())
}

// CloseSession closes the active session with the pending allocation edits
// as the final vector.
func (c *Coordinator) CloseSession(ctx context.Context) error {
	return c.sessions.CloseSession(ctx, c.sessions.Allocations())
}

// ActiveSession returns the open application session, nil when none.
func (c *Coordinator) ActiveSession() *session.AppSession {
	return c.sessions.ActiveSession()
}

// Balance returns the last relay-pushed balance for an asset.
func (c *Coordinator) Balance(asset string) decimal.Decimal {
	return c.sessions.Balance(asset)
}

// RefreshBalances pulls the current ledger balances from the relay.
func (c *Coordinator) RefreshBalances(ctx context.Context) error {
	return c.sessions.RefreshBalances(ctx)
}

// Metrics exposes the registry backing this coordinator's collectors.
func (c *Coordinator) Metrics() *metrics.Metrics {
	return c.m
}
