// Package api implements the request client for the chat HTTP API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/omochice/chatsync/internal/client"
	"github.com/omochice/chatsync/internal/model"
	"github.com/omochice/chatsync/pkg/logger"
	"github.com/omochice/chatsync/pkg/metrics"
	"github.com/omochice/chatsync/pkg/protocol"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodySize    = 4 << 20
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its cookie jar carries the
// ambient session credential.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithPublisher sets where successful receipts are published.
func WithPublisher(p client.ReceiptPublisher) Option {
	return func(c *Client) { c.publisher = p }
}

// WithReceiptLimiter bounds the rate of receipt posts.
func WithReceiptLimiter(limit rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client calls the chat HTTP API and translates responses into the
// canonical model.
type Client struct {
	baseURL   string
	http      *http.Client
	token     string
	publisher client.ReceiptPublisher
	limiter   *rate.Limiter
	log       *logger.Logger
	timeout   time.Duration
}

// New creates a Client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		jar, _ := cookiejar.New(nil)
		c.http = &http.Client{Jar: jar}
	}
	if c.log == nil {
		c.log = logger.L()
	}
	c.log = c.log.Named("api")
	return c
}

// ListConversations returns the conversations of the current user.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	const op, fallback = "list conversations", "Failed to fetch chats. Please try again."

	var body json.RawMessage
	status, err := c.do(ctx, op, fallback, http.MethodGet, "/api/chats/fetch-chats", nil, &body)
	if err != nil {
		return nil, err
	}
	return decodeConversations(op, fallback, status, body, "chats")
}

// OpenConversation opens the one-to-one conversation with otherUserID,
// creating it when it does not exist. existingConversationID, if set, is
// passed along as a hint.
func (c *Client) OpenConversation(ctx context.Context, otherUserID, existingConversationID string) (model.Conversation, error) {
	const op, fallback = "open conversation", "Failed to access chat. Please try again."

	req := map[string]string{"userId": otherUserID}
	if existingConversationID != "" {
		req["chatId"] = existingConversationID
	}
	var raw rawChat
	status, err := c.do(ctx, op, fallback, http.MethodPost, "/api/chats/access-chat", req, &raw)
	if err != nil {
		return model.Conversation{}, err
	}
	conv, err := raw.toConversation()
	if err != nil {
		return model.Conversation{}, invalidPayload(op, fallback, status, "%v", err)
	}
	return conv, nil
}

// FetchHistory returns the messages of a conversation in server order.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]model.Message, error) {
	const op, fallback = "fetch history", "Failed to fetch messages. Please try again."

	var body json.RawMessage
	path := "/api/messages/" + url.PathEscape(conversationID) + "/history"
	status, err := c.do(ctx, op, fallback, http.MethodGet, path, nil, &body)
	if err != nil {
		return nil, err
	}

	list, err := unwrapList(body, "messages")
	if err != nil {
		return nil, invalidPayload(op, fallback, status, "%v", err)
	}
	var raws []rawMessage
	if err := json.Unmarshal(list, &raws); err != nil {
		return nil, invalidPayload(op, fallback, status, "%v", err)
	}

	msgs := make([]model.Message, 0, len(raws))
	for i, raw := range raws {
		m, err := raw.toMessage(false)
		if err != nil {
			return nil, invalidPayload(op, fallback, status, "message %d: %v", i, err)
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// PostMessage persists msg and returns the server's copy with its id.
// Delivery and read sets default to the sender when the server omits them.
func (c *Client) PostMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	const op, fallback = "send message", "Failed to send message. Please try again."

	req := struct {
		ChatID      string            `json:"chatId"`
		Content     string            `json:"content"`
		ContentType model.ContentType `json:"contentType"`
		SenderID    string            `json:"senderId"`
		Timestamp   string            `json:"timestamp"`
		DeliveredBy []string          `json:"deliveredBy"`
		ReadBy      []string          `json:"readBy"`
		IsRead      bool              `json:"isRead"`
	}{
		ChatID:      msg.ConversationID,
		Content:     msg.Content,
		ContentType: msg.ContentType,
		SenderID:    msg.SenderID,
		Timestamp:   msg.Timestamp.UTC().Format(time.RFC3339Nano),
		DeliveredBy: msg.DeliveredBy.Slice(),
		ReadBy:      msg.ReadBy.Slice(),
		IsRead:      msg.IsRead,
	}

	var raw rawMessage
	status, err := c.do(ctx, op, fallback, http.MethodPost, "/api/messages/messages", req, &raw)
	if err != nil {
		return model.Message{}, err
	}
	if raw.SenderID == "" && raw.Sender.id() == "" {
		raw.SenderID = msg.SenderID
	}
	out, err := raw.toMessage(true)
	if err != nil {
		return model.Message{}, invalidPayload(op, fallback, status, "%v", err)
	}
	if out.ConversationID == "" {
		out.ConversationID = msg.ConversationID
	}
	if out.ContentType == model.ContentTypeText && raw.ContentType == "" {
		out.ContentType = model.ParseContentType(string(msg.ContentType))
	}
	if out.Sender.Name == "" {
		out.Sender = msg.Sender
	}
	return out, nil
}

// PostDeliveredReceipt records that userID received the message.
func (c *Client) PostDeliveredReceipt(ctx context.Context, messageID, conversationID, userID string) (protocol.StatusUpdate, error) {
	return c.postReceipt(ctx, protocol.ReceiptDelivered, messageID, conversationID, userID)
}

// PostReadReceipt records that userID read the message.
func (c *Client) PostReadReceipt(ctx context.Context, messageID, conversationID, userID string) (protocol.StatusUpdate, error) {
	return c.postReceipt(ctx, protocol.ReceiptRead, messageID, conversationID, userID)
}

// postReceipt posts a receipt and, on success, publishes the updated sets.
func (c *Client) postReceipt(ctx context.Context, kind protocol.ReceiptKind, messageID, conversationID, userID string) (protocol.StatusUpdate, error) {
	op := "mark message " + string(kind)
	fallback := "Failed to mark message as " + string(kind) + "."

	if messageID == "" {
		return protocol.StatusUpdate{}, invalidPayload(op, fallback, 0, "empty message id")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return protocol.StatusUpdate{}, &Error{Op: op, Message: fallback, Err: err}
		}
	}

	req := map[string]string{"chatId": conversationID, "userId": userID}
	path := "/api/messages/" + url.PathEscape(messageID) + "/" + string(kind)

	var raw rawStatus
	if _, err := c.do(ctx, op, fallback, http.MethodPut, path, req, &raw); err != nil {
		return protocol.StatusUpdate{}, err
	}

	update := protocol.StatusUpdate{
		MessageID:      messageID,
		ConversationID: conversationID,
		UserID:         userID,
	}
	if m := raw.UpdatedMessage; m != nil {
		update.DeliveredBy = m.DeliveredBy
		update.ReadBy = m.ReadBy
		update.IsRead = m.IsRead
	}

	if c.publisher != nil {
		if err := c.publisher.PublishReceipt(kind, update); err != nil {
			c.log.Debug("Receipt not published", zap.String("message_id", messageID), zap.String("kind", string(kind)), zap.Error(err))
		}
	}
	return update, nil
}

// do performs one API call and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, op, fallback, method, path string, in, out any) (int, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, &Error{Op: op, Message: fallback, Err: fmt.Errorf("failed to marshal request: %w", err)}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, &Error{Op: op, Message: fallback, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRequest(op, "error", time.Since(start).Seconds())
		c.log.Warn("Request failed", zap.String("op", op), zap.Error(err))
		return 0, &Error{Op: op, Message: fallback, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	metrics.RecordRequest(op, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
	if err != nil {
		return resp.StatusCode, &Error{Op: op, Status: resp.StatusCode, Message: fallback, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := serverMessage(body)
		if msg == "" {
			msg = fallback
		}
		c.log.Warn("Request rejected", zap.String("op", op), zap.Int("status", resp.StatusCode), zap.String("message", msg))
		return resp.StatusCode, &Error{Op: op, Status: resp.StatusCode, Message: msg}
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, invalidPayload(op, fallback, resp.StatusCode, "%v", err)
	}
	return resp.StatusCode, nil
}

func decodeConversations(op, fallback string, status int, body []byte, key string) ([]model.Conversation, error) {
	list, err := unwrapList(body, key)
	if err != nil {
		return nil, invalidPayload(op, fallback, status, "%v", err)
	}
	var raws []rawChat
	if err := json.Unmarshal(list, &raws); err != nil {
		return nil, invalidPayload(op, fallback, status, "%v", err)
	}
	convs := make([]model.Conversation, 0, len(raws))
	for i, raw := range raws {
		conv, err := raw.toConversation()
		if err != nil {
			return nil, invalidPayload(op, fallback, status, "conversation %d: %v", i, err)
		}
		convs = append(convs, conv)
	}
	return convs, nil
}
