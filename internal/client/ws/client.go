// Package ws provides the WebSocket push transport adapter.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/omochice/chatsync/internal/chat"
	"github.com/omochice/chatsync/internal/client"
	"github.com/omochice/chatsync/internal/model"
	wstransport "github.com/omochice/chatsync/internal/transport/ws"
	"github.com/omochice/chatsync/pkg/logger"
	"github.com/omochice/chatsync/pkg/metrics"
	"github.com/omochice/chatsync/pkg/protocol"
)

const writeTimeout = 5 * time.Second

// ErrTornDown is returned by Connect after Teardown.
var ErrTornDown = errors.New("client torn down")

// Dialer opens a frame connection to url.
type Dialer func(ctx context.Context, url string) (chat.Conn, error)

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithHeader sets headers sent with every upgrade request by the default
// dialer. It has no effect together with WithDialer.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

// WithReconnectPolicy sets the reconnection policy.
func WithReconnectPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithDedupWindow sets how long a seen event key suppresses repeats.
func WithDedupWindow(d time.Duration) Option {
	return func(c *Client) { c.dedup = NewDeduper(d, defaultRingSize) }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

type handler struct {
	id int
	fn func(protocol.Frame)
}

// Client is a push transport over a single long-lived connection.
// It reconnects automatically, re-announcing the user and re-joining the
// last joined conversation. Callbacks run on the read goroutine.
type Client struct {
	url    string
	dial   Dialer
	header http.Header
	policy Policy
	dedup  *Deduper
	log    *logger.Logger

	mu         sync.RWMutex
	conn       chat.Conn
	selfID     string
	lastJoined string
	handlers   map[protocol.Event][]handler
	nextID     int
	started    bool
	tornDown   bool
	cancel     context.CancelFunc

	wg           sync.WaitGroup
	teardownOnce sync.Once
}

// New creates a Client for the WebSocket endpoint at url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:      url,
		policy:   DefaultPolicy(),
		dedup:    NewDeduper(time.Second, defaultRingSize),
		handlers: make(map[protocol.Event][]handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		c.dial = func(ctx context.Context, url string) (chat.Conn, error) {
			return wstransport.Dial(ctx, url, c.header)
		}
	}
	if c.log == nil {
		c.log = logger.L()
	}
	c.log = c.log.Named("transport")
	return c
}

// Connect dials the server, announces selfID and starts receiving.
// A second call while connected only updates the announced user. After
// reconnection gave up, Connect dials again.
func (c *Client) Connect(ctx context.Context, selfID string) error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return ErrTornDown
	}
	c.selfID = selfID
	if c.started {
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			return c.write(conn, protocol.EventSetup, protocol.Setup{UserID: selfID})
		}
		return fmt.Errorf("reconnect in progress: %w", client.ErrNotConnected)
	}
	c.mu.Unlock()

	conn, err := c.dialRetry(ctx, max(c.policy.MaxAttempts, 1))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.tornDown || c.started {
		c.mu.Unlock()
		cancel()
		conn.Close()
		if c.tornDown {
			return ErrTornDown
		}
		return nil
	}
	c.conn = conn
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()

	metrics.ConnectionUp.Set(1)
	c.handshake(conn)

	c.wg.Add(1)
	go c.run(runCtx, conn)

	return nil
}

// IsConnected returns whether a connection is currently established.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Teardown removes all callbacks, stops reconnection and closes the
// connection. It is idempotent and safe to call before Connect.
func (c *Client) Teardown() {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		c.tornDown = true
		c.handlers = make(map[protocol.Event][]handler)
		cancel := c.cancel
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close()
			metrics.ConnectionUp.Set(0)
		}
		c.wg.Wait()
		c.dedup.Reset()
	})
}

// JoinConversation subscribes to a conversation's room. The conversation is
// remembered and re-joined after every reconnect, so joining while
// disconnected is not an error.
func (c *Client) JoinConversation(conversationID string) error {
	c.mu.Lock()
	c.lastJoined = conversationID
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(conn, protocol.EventJoinChat, protocol.Join{ConversationID: conversationID})
}

// PublishMessage announces a persisted message to the conversation.
func (c *Client) PublishMessage(msg model.Message) error {
	return c.emit(protocol.EventNewMessage, protocol.NewMessagePayload(msg))
}

// PublishTyping emits a typing start or stop edge.
func (c *Client) PublishTyping(conversationID, userID string, isTyping bool) error {
	event := protocol.EventStopTyping
	if isTyping {
		event = protocol.EventTyping
	}
	return c.emit(event, protocol.Typing{ConversationID: conversationID, UserID: userID})
}

// PublishReceipt emits a delivery or read receipt. The receipt is also
// dispatched locally as the matching server event under the same frame id,
// so the server echo is dropped as a duplicate.
func (c *Client) PublishReceipt(kind protocol.ReceiptKind, update protocol.StatusUpdate) error {
	frame, err := protocol.NewFrame(kind.OutgoingEvent(), update)
	if err != nil {
		return err
	}

	local := frame
	local.Event = kind.IncomingEvent()
	c.dispatch(local)

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return client.ErrNotConnected
	}
	return c.writeFrame(conn, frame)
}

// OnMessageReceived registers fn for pushed messages.
func (c *Client) OnMessageReceived(fn func(model.Message)) func() {
	return c.on(protocol.EventMessageReceived, func(f protocol.Frame) {
		var p protocol.MessagePayload
		if c.decode(f, &p) {
			fn(p.Model())
		}
	})
}

// OnDelivered registers fn for delivery receipts.
func (c *Client) OnDelivered(fn func(protocol.StatusUpdate)) func() {
	return c.onStatus(protocol.EventMessageDelivered, fn)
}

// OnRead registers fn for read receipts.
func (c *Client) OnRead(fn func(protocol.StatusUpdate)) func() {
	return c.onStatus(protocol.EventMessageRead, fn)
}

// OnStatusUpdate registers fn for combined status updates.
func (c *Client) OnStatusUpdate(fn func(protocol.StatusUpdate)) func() {
	return c.onStatus(protocol.EventStatusUpdate, fn)
}

// OnUserOnline registers fn for users coming online.
func (c *Client) OnUserOnline(fn func(userID string)) func() {
	return c.onPresence(protocol.EventUserOnline, fn)
}

// OnUserOffline registers fn for users going offline.
func (c *Client) OnUserOffline(fn func(userID string)) func() {
	return c.onPresence(protocol.EventUserOffline, fn)
}

// OnTypingStart registers fn for typing start edges.
func (c *Client) OnTypingStart(fn func(protocol.Typing)) func() {
	return c.onTyping(protocol.EventUserTyping, fn)
}

// OnTypingStop registers fn for typing stop edges.
func (c *Client) OnTypingStop(fn func(protocol.Typing)) func() {
	return c.onTyping(protocol.EventUserStoppedTyping, fn)
}

func (c *Client) onStatus(event protocol.Event, fn func(protocol.StatusUpdate)) func() {
	return c.on(event, func(f protocol.Frame) {
		var u protocol.StatusUpdate
		if c.decode(f, &u) {
			fn(u)
		}
	})
}

func (c *Client) onPresence(event protocol.Event, fn func(string)) func() {
	return c.on(event, func(f protocol.Frame) {
		var p protocol.Presence
		if c.decode(f, &p) {
			fn(p.UserID)
		}
	})
}

func (c *Client) onTyping(event protocol.Event, fn func(protocol.Typing)) func() {
	return c.on(event, func(f protocol.Frame) {
		var p protocol.Typing
		if c.decode(f, &p) {
			fn(p)
		}
	})
}

func (c *Client) decode(f protocol.Frame, v any) bool {
	if err := f.Unmarshal(v); err != nil {
		c.log.Warn("Dropping malformed event", zap.String("event", f.Event.String()), zap.Error(err))
		metrics.RecordDrop(f.Event.String(), "malformed")
		return false
	}
	return true
}

func (c *Client) on(event protocol.Event, fn func(protocol.Frame)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tornDown {
		return func() {}
	}
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handler{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			hs := c.handlers[event]
			for i, h := range hs {
				if h.id == id {
					c.handlers[event] = append(hs[:i:i], hs[i+1:]...)
					break
				}
			}
		})
	}
}

// dispatch delivers a frame to its subscribers unless it is a duplicate.
func (c *Client) dispatch(f protocol.Frame) {
	if !f.Event.Known() {
		metrics.RecordDrop(f.Event.String(), "unknown")
		return
	}
	if key := f.Key(); key != "" {
		if !c.dedup.Begin(f.Event, key) {
			metrics.RecordDrop(f.Event.String(), "duplicate")
			return
		}
		defer c.dedup.Done(f.Event, key)
	}

	c.mu.RLock()
	hs := c.handlers[f.Event]
	c.mu.RUnlock()

	metrics.EventsReceived.WithLabelValues(f.Event.String()).Inc()
	for _, h := range hs {
		h.fn(f)
	}
}

func (c *Client) emit(event protocol.Event, payload any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return client.ErrNotConnected
	}
	return c.write(conn, event, payload)
}

func (c *Client) write(conn chat.Conn, event protocol.Event, payload any) error {
	frame, err := protocol.NewFrame(event, payload)
	if err != nil {
		return err
	}
	return c.writeFrame(conn, frame)
}

func (c *Client) writeFrame(conn chat.Conn, frame protocol.Frame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := conn.Write(ctx, data); err != nil {
		metrics.FramesSent.WithLabelValues(frame.Event.String(), "error").Inc()
		return fmt.Errorf("failed to send %q: %w", frame.Event, err)
	}
	metrics.FramesSent.WithLabelValues(frame.Event.String(), "ok").Inc()
	return nil
}

// handshake announces the user and re-joins the last conversation.
func (c *Client) handshake(conn chat.Conn) {
	c.mu.RLock()
	selfID, room := c.selfID, c.lastJoined
	c.mu.RUnlock()

	if err := c.write(conn, protocol.EventSetup, protocol.Setup{UserID: selfID}); err != nil {
		c.log.Warn("Failed to send setup", zap.Error(err))
	}
	if room == "" {
		return
	}
	if err := c.write(conn, protocol.EventJoinChat, protocol.Join{ConversationID: room}); err != nil {
		c.log.Warn("Failed to rejoin conversation", zap.String("conversation_id", room), zap.Error(err))
	}
}

func (c *Client) run(ctx context.Context, conn chat.Conn) {
	defer c.wg.Done()
	defer c.stopped(ctx)

	for {
		err := c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
		metrics.ConnectionUp.Set(0)
		c.log.Warn("Connection lost", zap.Error(err))

		if c.policy.MaxAttempts <= 0 {
			metrics.Reconnects.WithLabelValues("disabled").Inc()
			return
		}

		next, err := c.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error("Reconnect attempts exhausted", zap.Int("attempts", c.policy.MaxAttempts), zap.Error(err))
				metrics.Reconnects.WithLabelValues("exhausted").Inc()
			}
			return
		}

		c.mu.Lock()
		if c.tornDown {
			c.mu.Unlock()
			next.Close()
			return
		}
		c.conn = next
		c.mu.Unlock()

		metrics.Reconnects.WithLabelValues("success").Inc()
		metrics.ConnectionUp.Set(1)
		c.log.Info("Reconnected", zap.String("url", c.url))
		c.handshake(next)
		conn = next
	}
}

// stopped marks the client idle once run gives up so that a later Connect
// dials again. Teardown owns shutdown when ctx was cancelled.
func (c *Client) stopped(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	cancel := c.cancel
	c.started = false
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) readLoop(ctx context.Context, conn chat.Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("Failed to decode frame", zap.Error(err))
			metrics.RecordDrop("", "decode")
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) reconnect(ctx context.Context) (chat.Conn, error) {
	timer := time.NewTimer(c.policy.InitialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return c.dialRetry(ctx, c.policy.MaxAttempts)
}

func (c *Client) dialRetry(ctx context.Context, attempts int) (chat.Conn, error) {
	op := func() (chat.Conn, error) {
		return c.dial(ctx, c.url)
	}
	notify := func(err error, next time.Duration) {
		c.log.Warn("Dial failed, retrying", zap.String("url", c.url), zap.Duration("backoff", next), zap.Error(err))
	}
	return backoff.RetryNotifyWithData(op, c.policy.backOff(ctx, attempts), notify)
}

var _ client.Transport = (*Client)(nil)
