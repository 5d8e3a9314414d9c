package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/yellowfun/session_layer/internal/metrics"
	"github.com/yellowfun/session_layer/internal/participant"
	"github.com/yellowfun/session_layer/internal/session"
	"github.com/yellowfun/session_layer/internal/transport"
)

// stubCoordinator satisfies sessionAPI with canned state.
type stubCoordinator struct {
	authenticated bool
	active        *session.AppSession
	allocations   []session.Allocation
	createErr     error
	closeErr      error
}

func (s *stubCoordinator) ConnectionState() transport.State { return transport.StateConnected }
func (s *stubCoordinator) IsAuthenticated() bool            { return s.authenticated }
func (s *stubCoordinator) HasChannel() bool                 { return s.authenticated }

func (s *stubCoordinator) Participants() []participant.Participant {
	return []participant.Participant{{Address: "0xaaaa00000000000000000000000000000000aaaa"}}
}

func (s *stubCoordinator) Allocations() []session.Allocation { return s.allocations }

func (s *stubCoordinator) UpdateAllocation(p, asset, amount string) {
	s.allocations = append(s.allocations, session.Allocation{Participant: p, Asset: asset, Amount: amount})
}

func (s *stubCoordinator) RemoveAllocation(p, asset string) { s.allocations = nil }

func (s *stubCoordinator) CreateSession(ctx context.Context) (*session.AppSession, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.active = &session.AppSession{ID: "app-1", Status: "open"}
	return s.active, nil
}

func (s *stubCoordinator) CloseSession(ctx context.Context) error {
	if s.closeErr != nil {
		return s.closeErr
	}
	s.active = nil
	return nil
}

func (s *stubCoordinator) ActiveSession() *session.AppSession { return s.active }

func (s *stubCoordinator) Balance(asset string) decimal.Decimal {
	if asset == "usdc" {
		return decimal.RequireFromString("12.5")
	}
	return decimal.Zero
}

type stubPrices struct{}

func (stubPrices) Spot(ctx context.Context, token string) (decimal.Decimal, error) {
	return decimal.RequireFromString("0.38"), nil
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	router := newRouter(&stubCoordinator{authenticated: true}, stubPrices{}, metrics.New())

	rec := doRequest(t, router, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["authenticated"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	stub := &stubCoordinator{}
	router := newRouter(stub, stubPrices{}, metrics.New())

	if rec := doRequest(t, router, http.MethodGet, "/session", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET /session with none active = %d, want 404", rec.Code)
	}

	rec := doRequest(t, router, http.MethodPost, "/session", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /session = %d, want 201", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodGet, "/session", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /session with active = %d, want 200", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodDelete, "/session", ""); rec.Code != http.StatusOK {
		t.Errorf("DELETE /session = %d, want 200", rec.Code)
	}
}

func TestSessionErrorMapping(t *testing.T) {
	stub := &stubCoordinator{createErr: session.ErrInsufficientParticipants}
	router := newRouter(stub, stubPrices{}, metrics.New())

	if rec := doRequest(t, router, http.MethodPost, "/session", ""); rec.Code != http.StatusConflict {
		t.Errorf("precondition failure = %d, want 409", rec.Code)
	}

	stub.createErr = transport.ErrNotConnected
	if rec := doRequest(t, router, http.MethodPost, "/session", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("not connected = %d, want 503", rec.Code)
	}

	stub.createErr = transport.ErrTimeout
	if rec := doRequest(t, router, http.MethodPost, "/session", ""); rec.Code != http.StatusGatewayTimeout {
		t.Errorf("timeout = %d, want 504", rec.Code)
	}
}

func TestAllocationEndpoints(t *testing.T) {
	stub := &stubCoordinator{}
	router := newRouter(stub, stubPrices{}, metrics.New())

	rec := doRequest(t, router, http.MethodPut, "/allocations",
		`{"participant":"0xaaaa00000000000000000000000000000000aaaa","asset":"usdc","amount":"10"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /allocations = %d", rec.Code)
	}
	if len(stub.allocations) != 1 {
		t.Fatalf("allocations = %v", stub.allocations)
	}

	if rec := doRequest(t, router, http.MethodPut, "/allocations", `{"asset":"usdc"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing participant = %d, want 400", rec.Code)
	}
}

func TestBalanceAndPriceEndpoints(t *testing.T) {
	router := newRouter(&stubCoordinator{}, stubPrices{}, metrics.New())

	rec := doRequest(t, router, http.MethodGet, "/balance/usdc", "")
	var balance map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance["amount"] != "12.5" {
		t.Errorf("balance = %v", balance)
	}

	rec = doRequest(t, router, http.MethodGet, "/price/flow", "")
	var price map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &price); err != nil {
		t.Fatalf("decode price: %v", err)
	}
	if price["usd"] != "0.38" {
		t.Errorf("price = %v", price)
	}
}
