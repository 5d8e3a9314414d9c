package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yellowfun/session_layer/internal/metrics"
	"github.com/yellowfun/session_layer/internal/participant"
	"github.com/yellowfun/session_layer/internal/protocol"
	"github.com/yellowfun/session_layer/internal/transport"
	"github.com/yellowfun/session_layer/pkg/logger"
)

type staticSource []participant.Participant

func (s staticSource) Participants() []participant.Participant { return s }

// fakeLink records outbound frames and answers Call with a canned reply.
type fakeLink struct {
	mu       sync.Mutex
	handlers map[string][]transport.Handler
	onClose  []func(error)
	sent     []*protocol.RPCMessage
	reply    func(msg *protocol.RPCMessage) (*protocol.RPCData, error)
}

func newFakeLink() *fakeLink {
	return &fakeLink{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeLink) State() transport.State { return transport.StateConnected }

func (f *fakeLink) Send(msg *protocol.RPCMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeLink) Call(ctx context.Context, msg *protocol.RPCMessage) (*protocol.RPCData, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	reply := f.reply
	f.mu.Unlock()
	if reply == nil {
		return nil, transport.ErrTimeout
	}
	return reply(msg)
}

func (f *fakeLink) Subscribe(method string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = append(f.handlers[method], h)
}

func (f *fakeLink) OnDisconnect(fn func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = append(f.onClose, fn)
}

func (f *fakeLink) push(method string, params []any) {
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[method]...)
	f.mu.Unlock()
	data := &protocol.RPCData{
		RequestID: protocol.NextRequestID(),
		Method:    method,
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	}
	for _, h := range hs {
		h(data)
	}
}

func (f *fakeLink) drop() {
	f.mu.Lock()
	hooks := append([]func(error){}, f.onClose...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(transport.ErrConnectionClosed)
	}
}

func (f *fakeLink) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

const (
	addrA = "0xaaaa00000000000000000000000000000000aaaa"
	addrB = "0xbbbb00000000000000000000000000000000bbbb"
)

func errorReply(reason string) func(msg *protocol.RPCMessage) (*protocol.RPCData, error) {
	return func(msg *protocol.RPCMessage) (*protocol.RPCData, error) {
		return &protocol.RPCData{
			RequestID: msg.Req.RequestID,
			Method:    protocol.MethodError,
			Params:    []any{map[string]any{"error": reason}},
			Timestamp: uint64(time.Now().UnixMilli()),
		}, nil
	}
}

func newTestManager(t *testing.T, link *fakeLink, addrs ...string) *Manager {
	t.Helper()
	signer, err := protocol.NewKeySigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	source := make(staticSource, len(addrs))
	for i, a := range addrs {
		source[i] = participant.Participant{Address: a}
	}
	return NewManager(link, signer, source, logger.NewDefault("session-test"), metrics.New())
}

func sessionReply(id string) func(msg *protocol.RPCMessage) (*protocol.RPCData, error) {
	return func(msg *protocol.RPCMessage) (*protocol.RPCData, error) {
		return &protocol.RPCData{
			RequestID: msg.Req.RequestID,
			Method:    msg.Req.Method,
			Params:    []any{map[string]any{"app_session_id": id, "status": "open"}},
			Timestamp: uint64(time.Now().UnixMilli()),
		}, nil
	}
}

func TestUpdateAllocation_ReplaceInPlace(t *testing.T) {
	m := newTestManager(t, newFakeLink(), addrA, addrB)

	m.UpdateAllocation(addrA, "usdc", "10")
	m.UpdateAllocation(addrA, "usdc", "20")
	m.UpdateAllocation(addrA, "usdc", "30")

	got := m.Allocations()
	if len(got) != 1 {
		t.Fatalf("got %d allocations, want 1", len(got))
	}
	if got[0].Amount != "30" {
		t.Errorf("amount = %s, want 30 (last write wins)", got[0].Amount)
	}
}

func TestRemoveAllocation(t *testing.T) {
	m := newTestManager(t, newFakeLink(), addrA, addrB)
	m.UpdateAllocation(addrA, "usdc", "10")

	m.RemoveAllocation(addrA, "usdc")
	if got := m.Allocations(); len(got) != 0 {
		t.Fatalf("got %d allocations after remove, want 0", len(got))
	}

	// Absent key is a no-op.
	m.RemoveAllocation(addrB, "flow")
}

func TestCreateSession_InsufficientParticipants(t *testing.T) {
	link := newFakeLink()
	m := newTestManager(t, link, addrA)

	_, err := m.CreateSession(context.Background(), nil)
	if !errors.Is(err, ErrInsufficientParticipants) {
		t.Fatalf("err = %v, want ErrInsufficientParticipants", err)
	}
	if link.sentCount() != 0 {
		t.Errorf("%d frames sent on precondition failure, want 0", link.sentCount())
	}
}

func TestCreateSession_BuildsDefinitionAndAllocations(t *testing.T) {
	link := newFakeLink()
	link.reply = sessionReply("sess-123")
	m := newTestManager(t, link, addrA, addrB)

	got, err := m.CreateSession(context.Background(), []Allocation{
		{Participant: addrA, Asset: "usdc", Amount: "50"},
		{Participant: addrB, Asset: "flow", Amount: "7"},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if got.ID != "sess-123" || got.Status != "open" {
		t.Errorf("session = %+v", got)
	}

	msg := link.sent[0]
	if msg.Req.Method != protocol.MethodCreateAppSession {
		t.Fatalf("method = %s", msg.Req.Method)
	}
	if len(msg.Sig) != 1 {
		t.Errorf("frame has %d signatures, want 1", len(msg.Sig))
	}
	body := msg.Req.Params[0].(map[string]any)
	def := body["definition"].(AppDefinition)
	if def.Protocol != SessionProtocol {
		t.Errorf("protocol = %s", def.Protocol)
	}
	if len(def.Weights) != 2 || def.Weights[0] != 100 || def.Weights[1] != 0 {
		t.Errorf("weights = %v, want [100 0]", def.Weights)
	}
	if def.Quorum != 100 || def.Challenge != 0 {
		t.Errorf("quorum = %d challenge = %d", def.Quorum, def.Challenge)
	}
	if def.Nonce == 0 {
		t.Error("nonce not set")
	}

	allocs := body["allocations"].([]Allocation)
	// Base zero entry per participant, overlaid by the supplied changes.
	want := []Allocation{
		{Participant: addrA, Asset: "usdc", Amount: "50"},
		{Participant: addrB, Asset: "usdc", Amount: "0"},
		{Participant: addrB, Asset: "flow", Amount: "7"},
	}
	if len(allocs) != len(want) {
		t.Fatalf("got %d allocations, want %d: %v", len(allocs), len(want), allocs)
	}
	for i, w := range want {
		if allocs[i] != w {
			t.Errorf("allocation %d = %+v, want %+v", i, allocs[i], w)
		}
	}

	if m.ActiveSession() == nil {
		t.Fatal("active session not set after success response")
	}
}

func TestCreateSession_WhileActive(t *testing.T) {
	link := newFakeLink()
	link.reply = sessionReply("sess-123")
	m := newTestManager(t, link, addrA, addrB)

	if _, err := m.CreateSession(context.Background(), nil); err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}
	before := link.sentCount()

	_, err := m.CreateSession(context.Background(), nil)
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
	if link.sentCount() != before {
		t.Error("frame sent despite active session")
	}
}

func TestCreateSession_NotActiveUntilResponse(t *testing.T) {
	link := newFakeLink()
	link.reply = func(msg *protocol.RPCMessage) (*protocol.RPCData, error) {
		return nil, transport.ErrTimeout
	}
	m := newTestManager(t, link, addrA, addrB)

	_, err := m.CreateSession(context.Background(), nil)
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if m.ActiveSession() != nil {
		t.Error("session became active without a success response")
	}
}

func TestCloseSession(t *testing.T) {
	link := newFakeLink()
	link.reply = sessionReply("sess-9")
	m := newTestManager(t, link, addrA, addrB)

	t.Run("NoActiveSession", func(t *testing.T) {
		err := m.CloseSession(context.Background(), nil)
		if !errors.Is(err, ErrNoActiveSession) {
			t.Fatalf("err = %v, want ErrNoActiveSession", err)
		}
		if link.sentCount() != 0 {
			t.Error("frame sent without an active session")
		}
	})

	t.Run("ClearsActiveOnSuccess", func(t *testing.T) {
		if _, err := m.CreateSession(context.Background(), nil); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if err := m.CloseSession(context.Background(), []Allocation{
			{Participant: addrA, Asset: "usdc", Amount: "25"},
			{Participant: addrB, Asset: "usdc", Amount: "25"},
		}); err != nil {
			t.Fatalf("CloseSession: %v", err)
		}
		if m.ActiveSession() != nil {
			t.Error("active session not cleared")
		}

		msg := link.sent[len(link.sent)-1]
		if msg.Req.Method != protocol.MethodCloseAppSession {
			t.Fatalf("method = %s", msg.Req.Method)
		}
		body := msg.Req.Params[0].(map[string]any)
		if body["app_session_id"] != "sess-9" {
			t.Errorf("app_session_id = %v", body["app_session_id"])
		}
		allocs := body["allocations"].([]Allocation)
		if len(allocs) != 2 || allocs[0].Amount != "25" || allocs[1].Amount != "25" {
			t.Errorf("final allocations = %v", allocs)
		}
	})
}

func TestCreateSession_RelayRejection(t *testing.T) {
	link := newFakeLink()
	link.reply = errorReply("quorum not met")
	m := newTestManager(t, link, addrA, addrB)

	_, err := m.CreateSession(context.Background(), nil)
	if err == nil {
		t.Fatal("CreateSession succeeded on a relay error response")
	}
	if !strings.Contains(err.Error(), "quorum not met") {
		t.Errorf("err = %v, want the relay reason verbatim", err)
	}
	if m.ActiveSession() != nil {
		t.Error("session marked active after a relay rejection")
	}
}

func TestCloseSession_RelayRejection(t *testing.T) {
	link := newFakeLink()
	link.reply = sessionReply("sess-12")
	m := newTestManager(t, link, addrA, addrB)

	if _, err := m.CreateSession(context.Background(), nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	link.reply = errorReply("insufficient ledger balance")
	err := m.CloseSession(context.Background(), nil)
	if err == nil {
		t.Fatal("CloseSession succeeded on a relay error response")
	}
	if !strings.Contains(err.Error(), "insufficient ledger balance") {
		t.Errorf("err = %v, want the relay reason verbatim", err)
	}
	active := m.ActiveSession()
	if active == nil || active.ID != "sess-12" {
		t.Fatalf("active session = %+v, want sess-12 kept after rejection", active)
	}

	// The session is still open, so a retry against a recovered relay works.
	link.reply = sessionReply("sess-12")
	if err := m.CloseSession(context.Background(), nil); err != nil {
		t.Fatalf("retry CloseSession: %v", err)
	}
	if m.ActiveSession() != nil {
		t.Error("active session not cleared on the successful retry")
	}
}

func TestBalanceUpdates(t *testing.T) {
	link := newFakeLink()
	m := newTestManager(t, link, addrA, addrB)

	link.push(protocol.MethodBalanceUpdate, []any{[]any{
		map[string]any{"asset": "usdc", "amount": "12.50"},
		map[string]any{"asset": "flow", "amount": 3.0},
	}})

	if got := m.Balance("usdc").String(); got != "12.5" {
		t.Errorf("usdc balance = %s, want 12.5", got)
	}
	if got := m.Balance("flow").String(); got != "3" {
		t.Errorf("flow balance = %s, want 3", got)
	}
	if !m.Balance("wld").IsZero() {
		t.Error("unknown asset balance not zero")
	}

	// Later pushes replace earlier values.
	link.push(protocol.MethodBalanceUpdate, []any{[]any{
		map[string]any{"asset": "usdc", "amount": "9"},
	}})
	if got := m.Balance("usdc").String(); got != "9" {
		t.Errorf("usdc balance after second push = %s, want 9", got)
	}
}

func TestRefreshBalances(t *testing.T) {
	link := newFakeLink()
	link.reply = func(msg *protocol.RPCMessage) (*protocol.RPCData, error) {
		if msg.Req.Method != protocol.MethodGetLedgerBalances {
			t.Errorf("method = %s, want get_ledger_balances", msg.Req.Method)
		}
		return &protocol.RPCData{
			RequestID: msg.Req.RequestID,
			Method:    msg.Req.Method,
			Params:    []any{[]any{map[string]any{"asset": "usdc", "amount": "42"}}},
			Timestamp: uint64(time.Now().UnixMilli()),
		}, nil
	}
	m := newTestManager(t, link, addrA, addrB)

	if err := m.RefreshBalances(context.Background()); err != nil {
		t.Fatalf("RefreshBalances: %v", err)
	}
	if got := m.Balance("usdc").String(); got != "42" {
		t.Errorf("usdc balance = %s, want 42", got)
	}
}

func TestDisconnectResetsSession(t *testing.T) {
	link := newFakeLink()
	link.reply = sessionReply("sess-1")
	m := newTestManager(t, link, addrA, addrB)

	if _, err := m.CreateSession(context.Background(), nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	link.push(protocol.MethodBalanceUpdate, []any{[]any{
		map[string]any{"asset": "usdc", "amount": "5"},
	}})
	m.UpdateAllocation(addrA, "usdc", "5")

	link.drop()

	if m.ActiveSession() != nil {
		t.Error("active session survived disconnect")
	}
	if !m.Balance("usdc").IsZero() {
		t.Error("balances survived disconnect")
	}
	// Allocation edits are caller state and stay.
	if len(m.Allocations()) != 1 {
		t.Error("pending allocation edits lost on disconnect")
	}
}
