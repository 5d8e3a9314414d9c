// Package protocol implements the ClearNode wire format: signed request
// envelopes, response parsing, challenge extraction, and the signer
// abstractions used to authorize them.
package protocol

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Method names exchanged with the relay.
const (
	MethodAuthRequest       = "auth_request"
	MethodAuthChallenge     = "auth_challenge"
	MethodAuthVerify        = "auth_verify"
	MethodAuthSuccess       = "auth_success"
	MethodAuthFailure       = "auth_failure"
	MethodGetChannels       = "get_channels"
	MethodChannels          = "channels"
	MethodGetLedgerBalances = "get_ledger_balances"
	MethodCreateAppSession  = "create_app_session"
	MethodCloseAppSession   = "close_app_session"
	MethodBalanceUpdate     = "bu"
	MethodChannelUpdate     = "cu"
	MethodError             = "error"
	MethodPing              = "ping"
	MethodPong              = "pong"
)

var lastRequestID atomic.Uint64

// NextRequestID returns a process-unique request id seeded from the current
// Unix-millisecond clock, mirroring the relay's own id scheme.
func NextRequestID() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		last := lastRequestID.Load()
		id := now
		if id <= last {
			id = last + 1
		}
		if lastRequestID.CompareAndSwap(last, id) {
			return id
		}
	}
}

// RPCData is the four-element payload carried in the req or res slot:
// [requestId, method, params, timestamp]. Timestamps are 13-digit Unix
// milliseconds.
type RPCData struct {
	RequestID uint64
	Method    string
	Params    []any
	Timestamp uint64
}

// MarshalJSON encodes the payload as a four-element JSON array.
func (d RPCData) MarshalJSON() ([]byte, error) {
	params := d.Params
	if params == nil {
		params = []any{}
	}
	return json.Marshal([]any{d.RequestID, d.Method, params, d.Timestamp})
}

// UnmarshalJSON decodes the four-element JSON array form.
func (d *RPCData) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("rpc data is not an array: %w", err)
	}
	if len(raw) != 4 {
		return fmt.Errorf("rpc data has %d elements, want 4", len(raw))
	}
	if err := json.Unmarshal(raw[0], &d.RequestID); err != nil {
		return fmt.Errorf("request id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &d.Method); err != nil {
		return fmt.Errorf("method: %w", err)
	}
	if err := json.Unmarshal(raw[2], &d.Params); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	if err := json.Unmarshal(raw[3], &d.Timestamp); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	return nil
}

// RPCMessage is the envelope exchanged over the socket. Requests carry Req,
// responses carry Res; Sig holds hex-encoded signatures over the serialized
// payload.
type RPCMessage struct {
	Req          *RPCData `json:"req,omitempty"`
	Res          *RPCData `json:"res,omitempty"`
	Sig          []string `json:"sig,omitempty"`
	AppSessionID string   `json:"sid,omitempty"`
}

// NewRequest builds an unsigned request envelope stamped with the current
// time.
func NewRequest(requestID uint64, method string, params []any) *RPCMessage {
	return &RPCMessage{
		Req: &RPCData{
			RequestID: requestID,
			Method:    method,
			Params:    params,
			Timestamp: uint64(time.Now().UnixMilli()),
		},
	}
}

// NewResponse builds a response envelope, used by tests that play the relay
// side of the protocol.
func NewResponse(requestID uint64, method string, result []any) *RPCMessage {
	return &RPCMessage{
		Res: &RPCData{
			RequestID: requestID,
			Method:    method,
			Params:    result,
			Timestamp: uint64(time.Now().UnixMilli()),
		},
	}
}

// Sign serializes the request payload deterministically and attaches the
// signer's signature. The payload bytes signed here are exactly the bytes the
// relay re-serializes for verification.
func (m *RPCMessage) Sign(signer Signer) error {
	if m.Req == nil {
		return fmt.Errorf("cannot sign envelope without request payload")
	}
	payload, err := json.Marshal(m.Req)
	if err != nil {
		return fmt.Errorf("serialize request payload: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign request payload: %w", err)
	}
	m.Sig = []string{sig}
	return nil
}

// Marshal encodes the envelope as a JSON text frame.
func (m *RPCMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage decodes an inbound JSON text frame. A frame that is valid JSON
// but carries neither a req nor a res slot is rejected.
func ParseMessage(data []byte) (*RPCMessage, error) {
	var msg RPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Req == nil && msg.Res == nil {
		return nil, fmt.Errorf("frame has neither req nor res payload")
	}
	return &msg, nil
}

// Data returns whichever payload slot the envelope carries.
func (m *RPCMessage) Data() *RPCData {
	if m.Res != nil {
		return m.Res
	}
	return m.Req
}

// ValidateTimestamp rejects payloads whose timestamp is not 13-digit Unix
// milliseconds or is older than the expiry window.
func ValidateTimestamp(ts uint64, expiry time.Duration) error {
	if ts < 1_000_000_000_000 || ts > 9_999_999_999_999 {
		return fmt.Errorf("invalid timestamp %d: must be 13-digit Unix ms", ts)
	}
	t := time.UnixMilli(int64(ts)).UTC()
	if time.Since(t) > expiry {
		return fmt.Errorf("timestamp expired: %s older than %s", t.Format(time.RFC3339Nano), expiry)
	}
	return nil
}
