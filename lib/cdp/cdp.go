// Package cdp implements the Chrome DevTools Protocol transport: one
// websocket channel carrying request/response pairs keyed by an increasing
// id, plus asynchronous events optionally tagged with a session id.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/coder/websocket"
)

// ErrTransportClosed is returned by in-flight and subsequent calls once the
// underlying channel is gone.
var ErrTransportClosed = errors.New("cdp transport closed")

// Error is a structured error carried on a CDP reply.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("cdp: %s (code %d)", e.Message, e.Code)
}

// Event is an inbound frame without a reply id.
type Event struct {
	Method    string
	Params    json.RawMessage
	SessionID string
}

type message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Client is a single CDP connection. Events are delivered on a dedicated
// dispatch goroutine so that handlers may issue calls without stalling the
// read loop.
type Client struct {
	logger *slog.Logger
	conn   *websocket.Conn
	msgID  atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan callResult
	handlers []func(Event)
	onClose  func()

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

const (
	dialTimeout     = 10 * time.Second
	maxMessageSize  = 100 * 1024 * 1024 // screencast frames and screenshots are large
	eventBufferSize = 1024
)

// Dial opens a CDP connection to the given websocket endpoint. The initial
// dial is retried a few times to ride out a browser that is still starting.
func Dial(ctx context.Context, endpoint string, logger *slog.Logger) (*Client, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid cdp endpoint: %w", err)
	}

	var conn *websocket.Conn
	err = retry.New(
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		c, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
			HTTPHeader: http.Header{"Host": []string{parsed.Host}},
		})
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CDP: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		logger:  logger,
		conn:    conn,
		pending: make(map[int64]chan callResult),
		events:  make(chan Event, eventBufferSize),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

// OnEvent registers a handler for all inbound event frames. Handlers run on
// the dispatch goroutine, in arrival order.
func (c *Client) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// OnClose registers a callback invoked once if the transport dies from the
// remote side. It is not invoked on a local Close.
func (c *Client) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Call sends {id, method, params, sessionId} and waits for the matching
// reply. A CDP-level error reply is surfaced as *Error.
func (c *Client) Call(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, ErrTransportClosed
	default:
	}

	var paramsRaw json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsRaw = raw
	}

	id := c.msgID.Add(1)
	data, err := json.Marshal(message{
		ID:        id,
		Method:    method,
		Params:    paramsRaw,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal CDP message: %w", err)
	}

	resultCh := make(chan callResult, 1)
	c.mu.Lock()
	c.pending[id] = resultCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write CDP: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrTransportClosed
	case res := <-resultCh:
		return res.result, res.err
	}
}

// Close tears down the connection and fails every pending call.
func (c *Client) Close() {
	c.shutdown(false)
}

func (c *Client) shutdown(remote bool) {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		for id, ch := range c.pending {
			// The caller may have left on ctx.Done with its reply already
			// buffered; never block the teardown on an abandoned channel.
			select {
			case ch <- callResult{err: ErrTransportClosed}:
			default:
			}
			delete(c.pending, id)
		}
		onClose := c.onClose
		c.mu.Unlock()

		_ = c.conn.Close(websocket.StatusNormalClosure, "transport closing")

		if remote && onClose != nil {
			go onClose()
		}
	})
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Debug("cdp read loop terminated", "err", err)
			}
			c.shutdown(true)
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error("cdp unmarshal error", "err", err)
			continue
		}

		if msg.ID > 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				res := callResult{result: msg.Result}
				if msg.Error != nil {
					res = callResult{err: msg.Error}
				}
				select {
				case ch <- res:
				default:
				}
			}
			continue
		}

		ev := Event{Method: msg.Method, Params: msg.Params, SessionID: msg.SessionID}
		select {
		case c.events <- ev:
		default:
			// A stalled handler has filled the buffer; dropping keeps the
			// read loop (and pending replies) alive.
			c.logger.Warn("cdp event buffer full, dropping event", "method", ev.Method)
		}
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.closed:
			return
		case ev := <-c.events:
			c.mu.Lock()
			handlers := make([]func(Event), len(c.handlers))
			copy(handlers, c.handlers)
			c.mu.Unlock()
			for _, fn := range handlers {
				fn(ev)
			}
		}
	}
}
