// Package backend implements the RPC connection to one media-server
// engine process: synchronous request/response verbs over a WebSocket,
// plus asynchronous event delivery.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"mediabroker/internal/core"
	"mediabroker/internal/domain"
)

const (
	defaultCallTimeout = 30 * time.Second
	writeWait          = 5 * time.Second
	eventBuffer        = 64
)

// wireMessage is both the request and the response envelope. Requests
// carry Verb; responses echo Transaction with Result or Error set;
// events have no transaction.
type wireMessage struct {
	Transaction string          `json:"transaction,omitempty"`
	Verb        string          `json:"verb,omitempty"`
	Session     uint64          `json:"session,omitempty"`
	Handle      uint64          `json:"handle,omitempty"`
	Object      core.ObjectID   `json:"object,omitempty"`
	Operation   string          `json:"operation,omitempty"`
	Params      map[string]any  `json:"params,omitempty"`
	Body        map[string]any  `json:"body,omitempty"`
	Jsep        map[string]any  `json:"jsep,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *wireError      `json:"error,omitempty"`
	Event       *wireEvent      `json:"event,omitempty"`
}

type wireError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *wireError) Error() string { return fmt.Sprintf("backend error %d: %s", e.Code, e.Reason) }

// ErrorCode extracts the backend-specific error code from an RPC
// failure, so callers can map codes onto typed results.
func ErrorCode(err error) (int, bool) {
	var we *wireError
	if errors.As(err, &we) {
		return we.Code, true
	}
	return 0, false
}

type wireEvent struct {
	Object core.ObjectID  `json:"object"`
	Type   string         `json:"type"`
	Data   map[string]any `json:"data"`
}

type pendingCall struct {
	done   chan struct{}
	result json.RawMessage
	err    error
}

// Client is a core.Backend over one WebSocket connection. Exclusively
// owned by the engine or session actor that dialed it.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	events  chan core.Event
	done    chan struct{}
	timeout time.Duration

	mu     sync.Mutex
	calls  map[string]*pendingCall
	closed bool
}

// Option customizes a dialed client.
type Option func(*Client)

// WithCallTimeout bounds every request/response round trip.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Dial connects to the engine's WebSocket RPC endpoint.
func Dial(ctx context.Context, cfg domain.EngineConfig, opts ...Option) (*Client, error) {
	scheme := "ws"
	if cfg.UseSSL {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   cfg.BasePath,
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("backend dial %s: %w", u.String(), err)
	}

	c := &Client{
		conn:    ws,
		send:    make(chan []byte, 32),
		events:  make(chan core.Event, eventBuffer),
		done:    make(chan struct{}),
		timeout: defaultCallTimeout,
		calls:   make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.writePump()
	go c.readPump()
	log.Info().Str("module", "backend").Str("url", u.String()).Msg("backend connected")
	return c, nil
}

// Probe checks TCP reachability of the engine before any actor is
// started, retrying with fixed spacing.
func Probe(cfg domain.EngineConfig, attempts int, spacing time.Duration) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(spacing)
		}
		var conn net.Conn
		conn, err = net.DialTimeout("tcp", addr, spacing)
		if err == nil {
			_ = conn.Close()
			return nil
		}
	}
	return fmt.Errorf("backend unreachable at %s: %w", addr, err)
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "backend").Msg("writePump set deadline")
				c.teardown()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "backend").Msg("writePump write error")
				c.teardown()
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer c.teardown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("module", "backend").Msg("readPump connection lost")
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Str("module", "backend").Msg("bad frame from backend")
			continue
		}
		switch {
		case msg.Event != nil:
			ev := core.ClassifyEvent(msg.Event.Object, msg.Event.Type, msg.Event.Data)
			select {
			case c.events <- ev:
			default:
				log.Warn().Str("module", "backend").Str("type", msg.Event.Type).Msg("event buffer full, dropped")
			}
		case msg.Transaction != "":
			c.settle(msg)
		default:
			log.Debug().Str("module", "backend").Msg("frame without transaction or event, dropped")
		}
	}
}

func (c *Client) settle(msg wireMessage) {
	c.mu.Lock()
	call, ok := c.calls[msg.Transaction]
	c.mu.Unlock()
	if !ok {
		// Reply raced a call timeout; the caller is already gone.
		return
	}
	if msg.Error != nil {
		call.err = msg.Error
	} else {
		call.result = msg.Result
	}
	close(call.done)
}

func (c *Client) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, call := range c.calls {
		call.err = core.ErrConnectionClosed
		close(call.done)
		delete(c.calls, id)
	}
	c.mu.Unlock()
	close(c.done)
	_ = c.conn.Close()
}

// call runs one request/response round trip keyed by a transaction id.
func (c *Client) call(ctx context.Context, msg wireMessage, out any) error {
	msg.Transaction = uuid.NewString()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	call := &pendingCall{done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrConnectionClosed
	}
	c.calls[msg.Transaction] = call
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.calls, msg.Transaction)
		c.mu.Unlock()
	}()

	select {
	case c.send <- data:
	case <-c.done:
		return core.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-call.done:
	case <-time.After(c.timeout):
		return fmt.Errorf("%s: %w", msg.Verb, core.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if call.err != nil {
		return call.err
	}
	if out != nil && len(call.result) > 0 {
		if err := json.Unmarshal(call.result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", msg.Verb, err)
		}
	}
	return nil
}

func (c *Client) Info(ctx context.Context) (*core.ServerInfo, error) {
	var info core.ServerInfo
	if err := c.call(ctx, wireMessage{Verb: "info"}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) OpenSession(ctx context.Context) (uint64, error) {
	var res struct {
		ID uint64 `json:"id"`
	}
	if err := c.call(ctx, wireMessage{Verb: "create_session"}, &res); err != nil {
		return 0, err
	}
	return res.ID, nil
}

func (c *Client) Attach(ctx context.Context, session uint64, plugin string) (uint64, error) {
	var res struct {
		ID uint64 `json:"id"`
	}
	msg := wireMessage{Verb: "attach", Session: session, Params: map[string]any{"plugin": plugin}}
	if err := c.call(ctx, msg, &res); err != nil {
		return 0, err
	}
	return res.ID, nil
}

func (c *Client) Message(ctx context.Context, session, handle uint64, body, jsep map[string]any) (*core.Reply, error) {
	var res struct {
		Data map[string]any `json:"data"`
		Jsep map[string]any `json:"jsep"`
	}
	msg := wireMessage{Verb: "message", Session: session, Handle: handle, Body: body, Jsep: jsep}
	if err := c.call(ctx, msg, &res); err != nil {
		return nil, err
	}
	return &core.Reply{Data: res.Data, Jsep: res.Jsep}, nil
}

func (c *Client) Keepalive(ctx context.Context, session uint64) error {
	return c.call(ctx, wireMessage{Verb: "keepalive", Session: session}, nil)
}

func (c *Client) Create(ctx context.Context, objType string, params map[string]any) (core.ObjectID, error) {
	var res struct {
		Object core.ObjectID `json:"object"`
	}
	msg := wireMessage{Verb: "create", Operation: objType, Params: params}
	if err := c.call(ctx, msg, &res); err != nil {
		return "", err
	}
	return res.Object, nil
}

func (c *Client) Invoke(ctx context.Context, obj core.ObjectID, op string, params map[string]any) (map[string]any, error) {
	var res map[string]any
	msg := wireMessage{Verb: "invoke", Object: obj, Operation: op, Params: params}
	if err := c.call(ctx, msg, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Subscribe(ctx context.Context, obj core.ObjectID, eventType string) (string, error) {
	var res struct {
		Subscription string `json:"subscription"`
	}
	msg := wireMessage{Verb: "subscribe", Object: obj, Operation: eventType}
	if err := c.call(ctx, msg, &res); err != nil {
		return "", err
	}
	return res.Subscription, nil
}

func (c *Client) Release(ctx context.Context, obj core.ObjectID) error {
	return c.call(ctx, wireMessage{Verb: "release", Object: obj}, nil)
}

func (c *Client) Events() <-chan core.Event { return c.events }

func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears the connection down; pending calls fail with
// ErrConnectionClosed and Done() closes.
func (c *Client) Close() error {
	c.teardown()
	return nil
}
