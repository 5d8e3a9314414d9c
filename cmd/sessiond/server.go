package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/yellowfun/session_layer/internal/metrics"
	"github.com/yellowfun/session_layer/internal/participant"
	"github.com/yellowfun/session_layer/internal/prices"
	"github.com/yellowfun/session_layer/internal/session"
	"github.com/yellowfun/session_layer/internal/transport"
)

// sessionAPI is the coordinator surface the HTTP handlers need.
type sessionAPI interface {
	ConnectionState() transport.State
	IsAuthenticated() bool
	HasChannel() bool
	Participants() []participant.Participant
	Allocations() []session.Allocation
	UpdateAllocation(participantAddr, asset, amount string)
	RemoveAllocation(participantAddr, asset string)
	CreateSession(ctx context.Context) (*session.AppSession, error)
	CloseSession(ctx context.Context) error
	ActiveSession() *session.AppSession
	Balance(asset string) decimal.Decimal
}

// priceAPI is the price client surface the HTTP handlers need.
type priceAPI interface {
	Spot(ctx context.Context, token string) (decimal.Decimal, error)
}

func newRouter(coord sessionAPI, priceClient priceAPI, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", healthHandler(coord)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/participants", participantsHandler(coord)).Methods(http.MethodGet)
	r.HandleFunc("/allocations", allocationsHandler(coord)).Methods(http.MethodGet)
	r.HandleFunc("/allocations", updateAllocationHandler(coord)).Methods(http.MethodPut)
	r.HandleFunc("/allocations", removeAllocationHandler(coord)).Methods(http.MethodDelete)
	r.HandleFunc("/session", sessionHandler(coord)).Methods(http.MethodGet)
	r.HandleFunc("/session", createSessionHandler(coord)).Methods(http.MethodPost)
	r.HandleFunc("/session", closeSessionHandler(coord)).Methods(http.MethodDelete)
	r.HandleFunc("/balance/{asset}", balanceHandler(coord)).Methods(http.MethodGet)
	r.HandleFunc("/price/{token}", priceHandler(priceClient)).Methods(http.MethodGet)

	return r
}

func healthHandler(coord sessionAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "healthy",
			"service":       "sessiond",
			"connection":    coord.ConnectionState().String(),
			"authenticated": coord.IsAuthenticated(),
			"has_channel":   coord.HasChannel(),
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func participantsHandler(coord sessionAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, coord.Participants())
	}
}

func allocationsHandler(coord sessionAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, coord.Allocations())
	}
}

func updateAllocationHandler(coord sessionAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req session.Allocation
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Participant == "" || req.Asset == "" {
			jsonError(w, "participant and asset are required", http.StatusBadRequest)
			return
		}
		coord.UpdateAllocation(req.Participant, req.Asset, req.Amount)
		writeJSON(w, http.StatusOK, coord.Allocations())
	}
}

func removeAllocationHandler(coord sessionAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req session.Allocation
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		coord.RemoveAllocation(req.Participant, req.Asset)
		writeJSON(w, http.StatusOK, coord.Allocations())
	}
}

func sessionHandler(coord sessionAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := coord.ActiveSession()
		if active == nil {
			jsonError(w, "no active session", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, active)
	}
}

func createSessionHandler(coord sessionAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := coord.CreateSession(r.Context())
		if err != nil {
			jsonError(w, err.Error(), sessionErrorStatus(err))
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

func closeSessionHandler(coord sessionAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := coord.CloseSession(r.Context()); err != nil {
			jsonError(w, err.Error(), sessionErrorStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
	}
}

func balanceHandler(coord sessionAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		asset := mux.Vars(r)["asset"]
		writeJSON(w, http.StatusOK, map[string]string{
			"asset":  asset,
			"amount": coord.Balance(asset).String(),
		})
	}
}

func priceHandler(priceClient priceAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := mux.Vars(r)["token"]
		price, err := priceClient.Spot(r.Context(), token)
		if err != nil {
			var unsupported prices.ErrUnsupportedToken
			if errors.As(err, &unsupported) {
				jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
			jsonError(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"token": token,
			"usd":   price.String(),
		})
	}
}

// sessionErrorStatus maps session lifecycle errors onto HTTP statuses.
func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInsufficientParticipants),
		errors.Is(err, session.ErrSessionActive),
		errors.Is(err, session.ErrNoActiveSession):
		return http.StatusConflict
	case errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, transport.ErrConnectionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
