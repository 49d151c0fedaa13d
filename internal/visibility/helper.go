// Package visibility turns what the user can see and type into receipts and
// typing edges for the store.
package visibility

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/chatsync/internal/store"
	"github.com/omochice/chatsync/pkg/logger"
)

const (
	DefaultReadDelay   = 100 * time.Millisecond
	DefaultTypingDelay = 300 * time.Millisecond
)

// Viewport reports whether a message is currently on screen.
type Viewport interface {
	IsVisible(messageID string) bool
}

// ViewportFunc adapts a function to Viewport.
type ViewportFunc func(messageID string) bool

// IsVisible implements Viewport.
func (f ViewportFunc) IsVisible(messageID string) bool { return f(messageID) }

// AllVisible is a Viewport on which every message is visible.
var AllVisible Viewport = ViewportFunc(func(string) bool { return true })

// Source is the read side of the store.
type Source interface {
	Snapshot() store.State
	SelfID() string
	Subscribe(fn func(store.State)) func()
}

// Commander is the write side of the store used by the helper.
type Commander interface {
	MarkRead(ctx context.Context, messageID, conversationID string) error
	MarkDelivered(ctx context.Context, messageID, conversationID string) error
	SetTyping(conversationID string, isTyping bool) error
}

// Option configures a Helper.
type Option func(*Helper)

// WithReadDelay sets the debounce for visibility scans.
func WithReadDelay(d time.Duration) Option {
	return func(h *Helper) { h.readDelay = d }
}

// WithTypingDelay sets the debounce for typing edges.
func WithTypingDelay(d time.Duration) Option {
	return func(h *Helper) { h.typingDelay = d }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(h *Helper) { h.log = l }
}

// Helper marks visible messages as delivered and read, and debounces the
// typing indicator.
type Helper struct {
	src      Source
	cmd      Commander
	viewport Viewport
	log      *logger.Logger

	readDelay   time.Duration
	typingDelay time.Duration
	scan        *Debouncer
	typing      *Debouncer

	mu           sync.Mutex
	ctx          context.Context
	conversation string
	read         map[string]struct{}
	delivered    map[string]struct{}
	wantTyping   bool
	isTyping     bool
	typingIn     string
	unsubscribe  func()
}

// New creates a Helper.
func New(src Source, cmd Commander, viewport Viewport, opts ...Option) *Helper {
	h := &Helper{
		src:         src,
		cmd:         cmd,
		viewport:    viewport,
		readDelay:   DefaultReadDelay,
		typingDelay: DefaultTypingDelay,
		ctx:         context.Background(),
		read:        make(map[string]struct{}),
		delivered:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.viewport == nil {
		h.viewport = AllVisible
	}
	if h.log == nil {
		h.log = logger.L()
	}
	h.log = h.log.Named("visibility")
	h.scan = NewDebouncer(h.readDelay, h.scanVisible)
	h.typing = NewDebouncer(h.typingDelay, h.applyTyping)
	return h
}

// Start subscribes to the source and schedules a first scan. Commands are
// issued with ctx.
func (h *Helper) Start(ctx context.Context) {
	h.mu.Lock()
	if h.unsubscribe != nil {
		h.mu.Unlock()
		return
	}
	h.ctx = ctx
	h.unsubscribe = h.src.Subscribe(func(store.State) { h.Notify() })
	h.mu.Unlock()

	h.Notify()
}

// Stop cancels pending work and the subscription. An active typing
// indicator is switched off.
func (h *Helper) Stop() {
	h.scan.Stop()
	h.typing.Stop()

	h.mu.Lock()
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	stopTyping := h.isTyping
	conv := h.typingIn
	h.isTyping = false
	h.wantTyping = false
	h.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if stopTyping {
		if err := h.cmd.SetTyping(conv, false); err != nil {
			h.log.Warn("Failed to stop typing", zap.String("conversation_id", conv), zap.Error(err))
		}
	}
}

// Notify schedules a visibility scan. Call it when the message list or the
// scroll position changes.
func (h *Helper) Notify() {
	h.scan.Trigger()
}

// InputChanged schedules a typing edge for the current composer text.
func (h *Helper) InputChanged(text string) {
	h.mu.Lock()
	h.wantTyping = text != ""
	h.mu.Unlock()
	h.typing.Trigger()
}

// Flush runs any pending scan and typing edge now.
func (h *Helper) Flush() {
	h.scan.Flush()
	h.typing.Flush()
}

type pendingReceipt struct {
	messageID string
	read      bool
}

func (h *Helper) scanVisible() {
	st := h.src.Snapshot()
	self := h.src.SelfID()
	if self == "" || st.Selected == nil {
		return
	}
	convID := st.Selected.ID

	h.mu.Lock()
	ctx := h.ctx
	if convID != h.conversation {
		h.conversation = convID
		h.read = make(map[string]struct{})
		h.delivered = make(map[string]struct{})
	}
	var todo []pendingReceipt
	for _, m := range st.Messages {
		if !m.Persisted() || m.SenderID == self || !h.viewport.IsVisible(m.ID) {
			continue
		}
		if _, done := h.delivered[m.ID]; !done && !m.DeliveredBy.Has(self) {
			h.delivered[m.ID] = struct{}{}
			todo = append(todo, pendingReceipt{messageID: m.ID})
		}
		if _, done := h.read[m.ID]; !done && !m.ReadBy.Has(self) {
			h.read[m.ID] = struct{}{}
			todo = append(todo, pendingReceipt{messageID: m.ID, read: true})
		}
	}
	h.mu.Unlock()

	for _, r := range todo {
		if ctx.Err() != nil {
			return
		}
		var err error
		if r.read {
			err = h.cmd.MarkRead(ctx, r.messageID, convID)
		} else {
			err = h.cmd.MarkDelivered(ctx, r.messageID, convID)
		}
		if err != nil {
			h.log.Warn("Failed to post receipt",
				zap.String("message_id", r.messageID),
				zap.Bool("read", r.read),
				zap.Error(err),
			)
		}
	}
}

func (h *Helper) applyTyping() {
	convID := h.src.Snapshot().SelectedID()

	h.mu.Lock()
	want := h.wantTyping
	if want == h.isTyping {
		h.mu.Unlock()
		return
	}
	if !want {
		convID = h.typingIn
	}
	if convID == "" {
		h.mu.Unlock()
		return
	}
	h.isTyping = want
	h.typingIn = convID
	h.mu.Unlock()

	if err := h.cmd.SetTyping(convID, want); err != nil {
		h.log.Warn("Failed to send typing edge", zap.String("conversation_id", convID), zap.Bool("typing", want), zap.Error(err))
	}
}
