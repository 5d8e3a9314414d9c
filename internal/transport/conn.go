// Package transport owns the single WebSocket connection to the ClearNode
// relay: lifecycle, inbound frame demultiplexing, and request/response
// correlation. Authentication and session state are layered above it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yellowfun/session_layer/internal/metrics"
	"github.com/yellowfun/session_layer/internal/protocol"
	"github.com/yellowfun/session_layer/pkg/logger"
)

// State is the transport connection state. Authenticated is not a transport
// state; it is the authenticator's overlay on StateConnected.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned for sends attempted without a live socket.
	ErrNotConnected = errors.New("transport is not connected")
	// ErrConnectionClosed is delivered to in-flight callers when the
	// transport is torn down underneath them.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrTimeout is delivered to callers whose expected response never
	// arrived within the call timeout.
	ErrTimeout = errors.New("request timed out")
)

// Handler consumes an inbound payload for a subscribed method.
type Handler func(data *protocol.RPCData)

// Link is the transport capability the authenticator and session manager
// depend on. Tests substitute an in-memory fake.
type Link interface {
	State() State
	Send(msg *protocol.RPCMessage) error
	Call(ctx context.Context, msg *protocol.RPCMessage) (*protocol.RPCData, error)
	Subscribe(method string, h Handler)
	OnDisconnect(fn func(err error))
}

// Config configures the relay connection.
type Config struct {
	// URL is the relay WebSocket endpoint, e.g. wss://clearnet.yellow.com/ws.
	URL string
	// CallTimeout bounds how long Call waits for a correlated response.
	CallTimeout time.Duration
	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration
}

const (
	defaultCallTimeout      = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

type waiter struct {
	method string
	ch     chan *protocol.RPCData
	errc   chan error
}

// Conn manages exactly one WebSocket connection to the relay. A new Connect
// closes and replaces any existing socket.
type Conn struct {
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	ws      *websocket.Conn
	state   State
	done    chan struct{}
	waiters map[uint64]*waiter

	writeMu sync.Mutex

	hooksMu  sync.RWMutex
	handlers map[string][]Handler
	onClose  []func(err error)
}

var _ Link = (*Conn)(nil)

// New creates an unconnected transport.
func New(cfg Config, log *logger.Logger, m *metrics.Metrics) *Conn {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if log == nil {
		log = logger.NewDefault("transport")
	}
	return &Conn{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		waiters:  make(map[uint64]*waiter),
		handlers: make(map[string][]Handler),
	}
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the relay socket. An existing connection is closed first, so
// at most one is ever live. The transport is merely connected afterwards;
// authentication is a separate step.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	prev := c.ws
	c.mu.Unlock()
	if prev != nil {
		c.log.Info("closing existing relay connection before reconnect")
		c.teardown(prev, nil)
	}

	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("websocket dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.metrics.ConnOpened()
	c.log.Info("relay connection established", "url", c.cfg.URL)

	go c.readLoop(ws, done)
	return nil
}

// Disconnect closes the socket if present and moves to disconnected
// unconditionally. Any in-flight callers observe ErrConnectionClosed, and
// close hooks fire so the layers above reset authentication and session
// state.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		// Best effort close frame; the teardown below closes the socket
		// regardless.
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	c.teardown(ws, nil)
}

// Send marshals and writes a single frame.
func (c *Conn) Send(msg *protocol.RPCMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	err = ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	c.metrics.FrameSent()
	return nil
}

// Call sends a request and waits for the correlated response: same request
// id, or same method for relays that mint fresh ids on responses. It resolves
// with the response payload, or fails with ErrTimeout or ErrConnectionClosed.
func (c *Conn) Call(ctx context.Context, msg *protocol.RPCMessage) (*protocol.RPCData, error) {
	if msg.Req == nil {
		return nil, fmt.Errorf("call requires a request payload")
	}

	w := &waiter{
		method: msg.Req.Method,
		ch:     make(chan *protocol.RPCData, 1),
		errc:   make(chan error, 1),
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	done := c.done
	c.waiters[msg.Req.RequestID] = w
	c.mu.Unlock()

	if err := c.Send(msg); err != nil {
		c.removeWaiter(msg.Req.RequestID)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res, nil
	case err := <-w.errc:
		return nil, err
	case <-done:
		return nil, ErrConnectionClosed
	case <-timer.C:
		c.removeWaiter(msg.Req.RequestID)
		return nil, fmt.Errorf("%w: no %s response within %s", ErrTimeout, msg.Req.Method, c.cfg.CallTimeout)
	case <-ctx.Done():
		c.removeWaiter(msg.Req.RequestID)
		return nil, ctx.Err()
	}
}

// Subscribe registers a handler for a specific inbound method. Handlers run
// serialized on the reader goroutine, one frame to completion at a time.
func (c *Conn) Subscribe(method string, h Handler) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.handlers[method] = append(c.handlers[method], h)
}

// OnDisconnect registers a hook fired whenever the transport tears down,
// deliberately or on socket error. err is nil for a deliberate disconnect.
func (c *Conn) OnDisconnect(fn func(err error)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onClose = append(c.onClose, fn)
}

func (c *Conn) readLoop(ws *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Deliberate teardown already in progress.
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.WithError(err).Warn("relay socket closed unexpectedly")
				}
				c.teardown(ws, err)
			}
			return
		}

		c.metrics.FrameReceived()

		msg, perr := protocol.ParseMessage(data)
		if perr != nil {
			// One bad frame must not tear down an authenticated session.
			c.metrics.FrameDropped()
			c.log.WithError(perr).Warn("dropping malformed frame")
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch resolves at most one waiter and then fans the payload out to
// method subscribers. It runs on the reader goroutine only, so frame handling
// is serialized end to end.
func (c *Conn) dispatch(msg *protocol.RPCMessage) {
	data := msg.Data()

	var resolved *waiter
	c.mu.Lock()
	if w, ok := c.waiters[data.RequestID]; ok {
		delete(c.waiters, data.RequestID)
		resolved = w
	} else {
		for id, w := range c.waiters {
			if w.method == data.Method {
				delete(c.waiters, id)
				resolved = w
				break
			}
		}
	}
	c.mu.Unlock()

	if resolved != nil {
		resolved.ch <- data
	}

	c.hooksMu.RLock()
	handlers := append([]Handler(nil), c.handlers[data.Method]...)
	c.hooksMu.RUnlock()
	for _, h := range handlers {
		h(data)
	}
}

// teardown closes the given socket if it is still the active one, fails all
// in-flight waiters, and fires the close hooks. Stale reader goroutines from
// replaced sockets fall through without touching the live connection.
func (c *Conn) teardown(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if ws != nil && c.ws != ws {
		c.mu.Unlock()
		return
	}
	closed := c.ws
	c.ws = nil
	c.state = StateDisconnected
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	waiters := c.waiters
	c.waiters = make(map[uint64]*waiter)
	c.mu.Unlock()

	if closed != nil {
		_ = closed.Close()
		c.metrics.ConnClosed()
	}

	for _, w := range waiters {
		w.errc <- ErrConnectionClosed
	}

	c.hooksMu.RLock()
	hooks := append([]func(error){}, c.onClose...)
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(cause)
	}

	if cause != nil {
		c.log.WithError(cause).Error("relay connection lost")
	}
}

func (c *Conn) removeWaiter(id uint64) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}
