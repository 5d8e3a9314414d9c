// Package auth drives the relay's challenge/response authentication flow: an
// auth_request signed with the ephemeral session key, an EIP-712 signature
// over the server challenge with the wallet key, and participant bookkeeping
// once the relay confirms.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/yellowfun/session_layer/internal/metrics"
	"github.com/yellowfun/session_layer/internal/participant"
	"github.com/yellowfun/session_layer/internal/protocol"
	"github.com/yellowfun/session_layer/internal/transport"
	"github.com/yellowfun/session_layer/pkg/logger"
)

// ErrAuthenticationFailed wraps the relay's auth_failure reason. The reason
// text is surfaced verbatim.
var ErrAuthenticationFailed = errors.New("authentication failed")

// State is the authenticator's position in the challenge/response flow.
type State int

const (
	StateIdle State = iota
	StateAuthRequested
	StateChallengeReceived
	StateVerified
	StateAuthenticated
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthRequested:
		return "auth_requested"
	case StateChallengeReceived:
		return "challenge_received"
	case StateVerified:
		return "verified"
	case StateAuthenticated:
		return "authenticated"
	case StateAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// Config carries the policy fields bound into the signed auth messages.
type Config struct {
	// AppName is the EIP-712 domain name, e.g. "yellow.fun".
	AppName string
	// Scope is the policy scope string, e.g. "console".
	Scope string
	// TTL bounds the authorization. Defaults to one hour.
	TTL time.Duration
}

const defaultTTL = time.Hour

// Authenticator runs the auth flow over a transport link. It subscribes to
// the auth methods at construction and is reset by transport disconnects.
type Authenticator struct {
	cfg    Config
	link   transport.Link
	wallet protocol.WalletSigner
	store  participant.Store
	log    *logger.Logger
	m      *metrics.Metrics

	mu           sync.Mutex
	identity     *protocol.KeySigner
	state        State
	typedSigner  *protocol.TypedDataSigner
	hasChannel   bool
	participants []participant.Participant
	pending      chan error
}

// New wires an authenticator onto the link. identity is the ephemeral session
// key that signs request envelopes; wallet holds the user key that signs the
// EIP-712 challenge.
func New(link transport.Link, identity *protocol.KeySigner, wallet protocol.WalletSigner, store participant.Store, cfg Config, log *logger.Logger, m *metrics.Metrics) *Authenticator {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	a := &Authenticator{
		cfg:      cfg,
		link:     link,
		wallet:   wallet,
		store:    store,
		log:      log,
		m:        m,
		identity: identity,
		state:    StateIdle,
	}
	link.Subscribe(protocol.MethodAuthChallenge, a.handleChallenge)
	link.Subscribe(protocol.MethodAuthSuccess, a.handleSuccess)
	link.Subscribe(protocol.MethodChannels, a.handleSuccess)
	link.Subscribe(protocol.MethodAuthFailure, a.handleFailure)
	link.OnDisconnect(func(err error) { a.reset(err) })
	return a
}

// State returns the current flow state.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsAuthenticated reports whether the flow reached its end state.
func (a *Authenticator) IsAuthenticated() bool {
	return a.State() == StateAuthenticated
}

// HasChannel reports whether the post-auth channel listing was non-empty. An
// empty listing means "authenticated with no channel yet", not a failure.
func (a *Authenticator) HasChannel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasChannel
}

// Identity returns the session signing key.
func (a *Authenticator) Identity() *protocol.KeySigner {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

// Participants returns the participant sequence loaded from the store at the
// last successful authentication, ordered by join time.
func (a *Authenticator) Participants() []participant.Participant {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]participant.Participant, len(a.participants))
	copy(out, a.participants)
	return out
}

// Authenticate runs the full flow for the wallet bound at construction and
// blocks until the relay confirms, rejects, the link drops, or ctx expires.
// It may be called again after a failure or a disconnect.
func (a *Authenticator) Authenticate(ctx context.Context) error {
	a.mu.Lock()
	if a.link.State() != transport.StateConnected {
		a.mu.Unlock()
		return transport.ErrNotConnected
	}
	switch a.state {
	case StateIdle, StateAuthFailed:
	case StateAuthenticated:
		a.mu.Unlock()
		return nil
	default:
		a.mu.Unlock()
		return fmt.Errorf("authentication already in progress (state %s)", a.state)
	}

	walletAddr := a.wallet.Address()
	expire := strconv.FormatInt(time.Now().Add(a.cfg.TTL).Unix(), 10)
	a.typedSigner = protocol.NewTypedDataSigner(
		a.wallet, a.cfg.AppName, a.cfg.Scope,
		walletAddr, a.identity.Address(), expire, nil,
	)

	msg := protocol.NewRequest(protocol.NextRequestID(), protocol.MethodAuthRequest, []any{map[string]any{
		"wallet":      walletAddr.Hex(),
		"participant": a.identity.Address().Hex(),
		"app_name":    a.cfg.AppName,
		"expire":      expire,
		"scope":       a.cfg.Scope,
		"application": walletAddr.Hex(),
		"allowances":  []any{},
	}})
	if err := msg.Sign(a.identity); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("sign auth request: %w", err)
	}

	pending := make(chan error, 1)
	a.pending = pending
	a.state = StateAuthRequested
	a.mu.Unlock()

	a.log.WithField("wallet", walletAddr.Hex()).Info("authenticating")
	if err := a.link.Send(msg); err != nil {
		a.fail(err)
		return err
	}

	select {
	case err := <-pending:
		return err
	case <-ctx.Done():
		a.fail(ctx.Err())
		return ctx.Err()
	}
}

func (a *Authenticator) handleChallenge(data *protocol.RPCData) {
	a.mu.Lock()
	if a.state != StateAuthRequested {
		a.mu.Unlock()
		return
	}

	ch, err := protocol.ExtractChallenge(challengePayload(data.Params))
	if err != nil {
		a.mu.Unlock()
		a.log.WithError(err).Error("challenge extraction failed")
		a.fail(err)
		return
	}
	a.state = StateChallengeReceived
	signer := a.typedSigner
	a.mu.Unlock()

	verify := protocol.NewRequest(protocol.NextRequestID(), protocol.MethodAuthVerify, []any{map[string]any{
		"address":   a.wallet.Address().Hex(),
		"challenge": ch.Token,
	}})
	// The signature covers the serialized req, which carries the challenge;
	// the typed-data signer re-extracts it and signs the Policy message.
	if err := verify.Sign(signer); err != nil {
		a.log.WithError(err).Error("challenge signing failed")
		a.fail(err)
		return
	}
	a.mu.Lock()
	if a.state == StateChallengeReceived {
		a.state = StateVerified
	}
	a.mu.Unlock()

	if err := a.link.Send(verify); err != nil {
		a.fail(err)
	}
}

// challengePayload unwraps the single-element params list the relay uses for
// auth_challenge; multi-element or empty lists are handed through untouched so
// extraction can reject them.
func challengePayload(params []any) any {
	if len(params) == 1 {
		return params[0]
	}
	return params
}

func (a *Authenticator) handleSuccess(data *protocol.RPCData) {
	a.mu.Lock()
	if a.state == StateIdle || a.state == StateAuthFailed {
		a.mu.Unlock()
		return
	}
	alreadyDone := a.state == StateAuthenticated
	a.state = StateAuthenticated
	a.hasChannel = channelListingNonEmpty(data.Params)
	pending := a.pending
	a.pending = nil
	walletAddr := a.wallet.Address().Hex()
	a.mu.Unlock()

	if !alreadyDone {
		a.m.AuthSucceeded()
	}

	// Store writes are idempotent, so a duplicate auth_success is harmless.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.store.Upsert(ctx, walletAddr); err != nil {
		a.log.WithError(err).Error("participant upsert failed")
	}
	list, err := a.store.List(ctx)
	if err != nil {
		a.log.WithError(err).Error("participant reload failed")
	} else {
		a.mu.Lock()
		a.participants = list
		a.mu.Unlock()
	}

	a.log.WithField("has_channel", a.HasChannel()).Info("authenticated")
	if pending != nil {
		pending <- nil
	}
}

// channelListingNonEmpty mirrors the relay's auth_success result shape: the
// first result element is the channel list, possibly nested one level.
func channelListingNonEmpty(params []any) bool {
	if len(params) == 0 {
		return false
	}
	switch v := params[0].(type) {
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	case nil:
		return false
	default:
		return true
	}
}

func (a *Authenticator) handleFailure(data *protocol.RPCData) {
	reason := failureReason(data.Params)
	a.m.AuthFailed()
	a.log.WithField("reason", reason).Error("authentication rejected")
	a.fail(fmt.Errorf("%w: %s", ErrAuthenticationFailed, reason))
}

func failureReason(params []any) string {
	if len(params) == 0 {
		return "no reason given"
	}
	if s, ok := params[0].(string); ok {
		return s
	}
	return fmt.Sprintf("%v", params[0])
}

// fail moves any non-idle state to auth_failed and releases the waiting
// caller.
func (a *Authenticator) fail(err error) {
	a.mu.Lock()
	if a.state == StateIdle {
		a.mu.Unlock()
		return
	}
	a.state = StateAuthFailed
	a.typedSigner = nil
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	if pending != nil {
		pending <- err
	}
}

// reset returns the authenticator to idle after a transport disconnect. An
// in-flight Authenticate observes ErrConnectionClosed.
func (a *Authenticator) reset(cause error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.state = StateIdle
	a.typedSigner = nil
	a.hasChannel = false
	a.participants = nil
	a.mu.Unlock()

	if pending != nil {
		if cause == nil || errors.Is(cause, transport.ErrConnectionClosed) {
			pending <- transport.ErrConnectionClosed
		} else {
			pending <- fmt.Errorf("%w: %v", transport.ErrConnectionClosed, cause)
		}
	}
}
