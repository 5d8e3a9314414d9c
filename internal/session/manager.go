// Package session tracks the single active application session, the pending
// allocation edits that seed its allocation vectors, and the asset balances
// the relay pushes.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yellowfun/session_layer/internal/metrics"
	"github.com/yellowfun/session_layer/internal/participant"
	"github.com/yellowfun/session_layer/internal/protocol"
	"github.com/yellowfun/session_layer/internal/transport"
	"github.com/yellowfun/session_layer/pkg/logger"
)

var (
	// ErrInsufficientParticipants rejects session creation with fewer than
	// two known participants. Nothing is sent.
	ErrInsufficientParticipants = errors.New("need at least 2 participants to create a session")
	// ErrNoActiveSession rejects a close when no session is open.
	ErrNoActiveSession = errors.New("no active session to close")
	// ErrSessionActive rejects creation while a session is already open.
	ErrSessionActive = errors.New("a session is already active")
)

// SessionProtocol tags the application definition's protocol slot.
const SessionProtocol = "nitroliterpc"

// DefaultAsset seeds the zero base allocation for every participant.
const DefaultAsset = "usdc"

// Allocation assigns an amount of an asset to a participant. Amounts travel
// as decimal strings.
type Allocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// AppDefinition is the session's governance payload: the host holds the full
// quorum weight, everyone else holds zero.
type AppDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []int    `json:"weights"`
	Quorum       int      `json:"quorum"`
	Challenge    int      `json:"challenge"`
	Nonce        uint64   `json:"nonce"`
}

// AppSession is the relay-confirmed active session.
type AppSession struct {
	ID           string
	Status       string
	Participants []string
	CreatedAt    time.Time
}

// ParticipantSource yields the ordered participant sequence. The
// authenticator satisfies it.
type ParticipantSource interface {
	Participants() []participant.Participant
}

// Manager owns allocation edits and the application-session lifecycle. At
// most one session is tracked at a time.
type Manager struct {
	link    transport.Link
	signer  protocol.Signer
	source  ParticipantSource
	log     *logger.Logger
	m       *metrics.Metrics

	mu          sync.Mutex
	allocations []Allocation
	active      *AppSession
	balances    map[string]decimal.Decimal
}

// NewManager wires a session manager onto the link. signer signs the session
// envelopes with the same session key used during authentication.
func NewManager(link transport.Link, signer protocol.Signer, source ParticipantSource, log *logger.Logger, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		link:     link,
		signer:   signer,
		source:   source,
		log:      log,
		m:        m,
		balances: make(map[string]decimal.Decimal),
	}
	link.Subscribe(protocol.MethodBalanceUpdate, mgr.handleBalanceUpdate)
	link.OnDisconnect(func(error) { mgr.reset() })
	return mgr
}

// UpdateAllocation upserts the pending allocation keyed by (participant,
// asset), replacing the amount in place. No network traffic.
func (m *Manager) UpdateAllocation(participantAddr, asset, amount string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.allocations {
		if a.Participant == participantAddr && a.Asset == asset {
			m.allocations[i].Amount = amount
			return
		}
	}
	m.allocations = append(m.allocations, Allocation{
		Participant: participantAddr,
		Asset:       asset,
		Amount:      amount,
	})
}

// RemoveAllocation deletes the matching pending allocation. Absent keys are a
// no-op.
func (m *Manager) RemoveAllocation(participantAddr, asset string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.allocations {
		if a.Participant == participantAddr && a.Asset == asset {
			m.allocations = append(m.allocations[:i], m.allocations[i+1:]...)
			return
		}
	}
}

// Allocations returns a copy of the pending allocation edits.
func (m *Manager) Allocations() []Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Allocation, len(m.allocations))
	copy(out, m.allocations)
	return out
}

// ActiveSession returns the current session, or nil when none is open.
func (m *Manager) ActiveSession() *AppSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	s := *m.active
	s.Participants = append([]string(nil), m.active.Participants...)
	return &s
}

// Balance returns the last pushed balance for an asset, zero when unknown.
func (m *Manager) Balance(asset string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[asset]
}

// RefreshBalances asks the relay for the current ledger balances and ingests
// the response the same way a push is ingested.
func (m *Manager) RefreshBalances(ctx context.Context) error {
	msg := protocol.NewRequest(protocol.NextRequestID(), protocol.MethodGetLedgerBalances, []any{})
	if err := msg.Sign(m.signer); err != nil {
		return fmt.Errorf("sign get_ledger_balances: %w", err)
	}
	res, err := m.link.Call(ctx, msg)
	if err != nil {
		return err
	}
	if err := relayError(res); err != nil {
		return err
	}
	m.handleBalanceUpdate(res)
	return nil
}

// CreateSession builds the application definition and allocation vector for
// the current participant set and sends create_app_session. The session only
// becomes active on the relay's success response, which supplies the
// server-assigned id. Precondition failures are synchronous and send nothing.
func (m *Manager) CreateSession(ctx context.Context, changes []Allocation) (*AppSession, error) {
	addrs := participantAddresses(m.source.Participants())

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.mu.Unlock()
	if len(addrs) < 2 {
		return nil, ErrInsufficientParticipants
	}

	weights := make([]int, len(addrs))
	weights[0] = 100
	definition := AppDefinition{
		Protocol:     SessionProtocol,
		Participants: addrs,
		Weights:      weights,
		Quorum:       100,
		Challenge:    0,
		Nonce:        uint64(time.Now().UnixMilli()),
	}
	allocations := overlayAllocations(addrs, changes)

	msg := protocol.NewRequest(protocol.NextRequestID(), protocol.MethodCreateAppSession, []any{map[string]any{
		"definition":  definition,
		"allocations": allocations,
	}})
	if err := msg.Sign(m.signer); err != nil {
		return nil, fmt.Errorf("sign create_app_session: %w", err)
	}

	res, err := m.link.Call(ctx, msg)
	if err != nil {
		return nil, err
	}
	id, status, err := sessionResult(res)
	if err != nil {
		return nil, err
	}

	session := &AppSession{
		ID:           id,
		Status:       status,
		Participants: addrs,
		CreatedAt:    time.Now(),
	}
	m.mu.Lock()
	m.active = session
	m.mu.Unlock()
	m.m.SessionCreated()
	m.log.WithField("app_session_id", id).Info("application session created")

	out := *session
	return &out, nil
}

// CloseSession sends close_app_session with the final allocation vector and
// clears the active session on the relay's success response.
func (m *Manager) CloseSession(ctx context.Context, changes []Allocation) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active == nil {
		return ErrNoActiveSession
	}

	allocations := overlayAllocations(active.Participants, changes)
	msg := protocol.NewRequest(protocol.NextRequestID(), protocol.MethodCloseAppSession, []any{map[string]any{
		"app_session_id": active.ID,
		"allocations":    allocations,
	}})
	if err := msg.Sign(m.signer); err != nil {
		return fmt.Errorf("sign close_app_session: %w", err)
	}

	res, err := m.link.Call(ctx, msg)
	if err != nil {
		return err
	}
	if err := relayError(res); err != nil {
		return err
	}

	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
	m.m.SessionClosed()
	m.log.WithField("app_session_id", active.ID).Info("application session closed")
	return nil
}

func participantAddresses(ps []participant.Participant) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Address
	}
	return out
}

// overlayAllocations builds the base vector, one zero default-asset entry per
// participant, then applies the changes with upsert semantics.
func overlayAllocations(addrs []string, changes []Allocation) []Allocation {
	out := make([]Allocation, 0, len(addrs)+len(changes))
	for _, addr := range addrs {
		out = append(out, Allocation{Participant: addr, Asset: DefaultAsset, Amount: "0"})
	}
	for _, change := range changes {
		replaced := false
		for i, a := range out {
			if a.Participant == change.Participant && a.Asset == change.Asset {
				out[i].Amount = change.Amount
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, change)
		}
	}
	return out
}

// relayError reports a rejected request. The relay answers those with the
// "error" method and a reason object in the result slot; the reason string is
// passed through verbatim.
func relayError(res *protocol.RPCData) error {
	if res.Method != protocol.MethodError {
		return nil
	}
	if obj := resultObject(res.Params); obj != nil {
		if reason, _ := obj["error"].(string); reason != "" {
			return errors.New(reason)
		}
	}
	return errors.New("request rejected by relay")
}

// resultObject unwraps the first result entry, which arrives either as a bare
// object or wrapped in a one-element array.
func resultObject(params []any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	if obj, ok := params[0].(map[string]any); ok {
		return obj
	}
	if arr, ok := params[0].([]any); ok && len(arr) > 0 {
		if obj, ok := arr[0].(map[string]any); ok {
			return obj
		}
	}
	return nil
}

// sessionResult pulls the server-assigned id and status out of a
// create_app_session response.
func sessionResult(res *protocol.RPCData) (id, status string, err error) {
	if err := relayError(res); err != nil {
		return "", "", err
	}
	if len(res.Params) == 0 {
		return "", "", fmt.Errorf("%s response carries no result", res.Method)
	}
	obj := resultObject(res.Params)
	if obj == nil {
		return "", "", fmt.Errorf("%s result has unexpected shape %T", res.Method, res.Params[0])
	}
	id, _ = obj["app_session_id"].(string)
	if id == "" {
		return "", "", fmt.Errorf("%s result carries no app_session_id", res.Method)
	}
	status, _ = obj["status"].(string)
	if status == "" {
		status = "open"
	}
	return id, status, nil
}

// handleBalanceUpdate ingests a "bu" push: an asset-keyed list of balances,
// possibly nested one level.
func (m *Manager) handleBalanceUpdate(data *protocol.RPCData) {
	entries := balanceEntries(data.Params)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		asset, _ := e["asset"].(string)
		if asset == "" {
			continue
		}
		amount, err := decimalFrom(e["amount"])
		if err != nil {
			m.log.WithField("asset", asset).WithError(err).Warn("unparseable balance amount")
			continue
		}
		m.balances[asset] = amount
	}
}

func balanceEntries(params []any) []map[string]any {
	var out []map[string]any
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			out = append(out, t)
		case []any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	for _, p := range params {
		walk(p)
	}
	return out
}

func decimalFrom(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return decimal.NewFromString(t)
	case float64:
		return decimal.NewFromFloat(t), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount type %T", v)
	}
}

// reset drops the active session and balances when the link goes down.
// Pending allocation edits are caller state and survive.
func (m *Manager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = nil
	m.balances = make(map[string]decimal.Decimal)
}
