package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatsync/internal/api"
	"github.com/omochice/chatsync/internal/model"
	"github.com/omochice/chatsync/pkg/logger"
	"github.com/omochice/chatsync/pkg/protocol"
)

type recordingPublisher struct {
	mu       sync.Mutex
	kinds    []protocol.ReceiptKind
	receipts []protocol.StatusUpdate
	err      error
}

func (p *recordingPublisher) PublishReceipt(kind protocol.ReceiptKind, u protocol.StatusUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, kind)
	p.receipts = append(p.receipts, u)
	return p.err
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...api.Option) *api.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	opts = append([]api.Option{api.WithLogger(logger.Nop())}, opts...)
	return api.New(server.URL, opts...)
}

const rawHistory = `[
  {
    "_id": "m1",
    "chat": {"_id": "c1", "users": []},
    "sender": {"_id": "u2", "name": "Bob", "email": "bob@example.com"},
    "content": "hello",
    "createdAt": "2024-05-01T10:00:00Z",
    "deliveredBy": ["u1"],
    "readBy": []
  },
  {
    "_id": "m2",
    "chat": "c1",
    "sender": {"_id": "u1", "name": "Alice"},
    "content": "https://example.com/cat.gif",
    "contentType": "gif",
    "createdAt": "2024-05-01T10:01:00Z"
  }
]`

func TestClient_FetchHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/messages/c1/history", r.URL.Path)
		w.Write([]byte(rawHistory))
	})

	msgs, err := c.FetchHistory(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "c1", msgs[0].ConversationID)
	assert.Equal(t, "u2", msgs[0].SenderID)
	assert.Equal(t, "Bob", msgs[0].Sender.Name)
	assert.Equal(t, model.ContentTypeText, msgs[0].ContentType)
	assert.Equal(t, model.UserSet{"u1"}, msgs[0].DeliveredBy)
	assert.Empty(t, msgs[0].ReadBy)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), msgs[0].Timestamp.UTC())

	assert.Equal(t, "c1", msgs[1].ConversationID, "bare chat id is accepted")
	assert.Equal(t, model.ContentTypeGIF, msgs[1].ContentType)
	assert.Empty(t, msgs[1].DeliveredBy, "absent sets default to empty")
}

func TestClient_FetchHistoryWrapped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages": ` + rawHistory + `}`))
	})

	msgs, err := c.FetchHistory(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestClient_FetchHistoryMissingSender(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"_id": "m1", "chat": "c1", "content": "x"}]`))
	})

	_, err := c.FetchHistory(context.Background(), "c1")
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrInvalidPayload)

	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "fetch history", apiErr.Op)
	assert.Equal(t, "Failed to fetch messages. Please try again.", apiErr.Message)
}

func TestClient_ErrorStatusCarriesServerMessage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{name: "message field", body: `{"message": "Chat not found"}`, wantMsg: "Chat not found"},
		{name: "error field", body: `{"error": "forbidden"}`, wantMsg: "forbidden"},
		{name: "no body", body: ``, wantMsg: "Failed to fetch messages. Please try again."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(tt.body))
			})

			_, err := c.FetchHistory(context.Background(), "c1")
			var apiErr *api.Error
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, http.StatusNotFound, apiErr.Status)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.Contains(t, err.Error(), "HTTP 404")
		})
	}
}

func TestClient_ListConversations(t *testing.T) {
	body := `{"chats": [
	  {
	    "_id": "c1",
	    "isGroupChat": false,
	    "users": [{"_id": "u1", "name": "Alice"}, {"_id": "u2", "name": "Bob"}],
	    "latestMessage": {"_id": "m9", "chat": {"_id": "c1"}, "sender": {"_id": "u2"}, "content": "yo", "createdAt": "2024-05-01T10:00:00Z"},
	    "createdAt": "2024-04-01T00:00:00Z",
	    "updatedAt": "2024-05-01T10:00:00Z"
	  },
	  {
	    "_id": "g1",
	    "chatName": "Team",
	    "isGroupChat": true,
	    "users": [{"_id": "u1"}, {"_id": "u2"}, {"_id": "u3"}],
	    "groupAdmin": {"_id": "u1"}
	  }
	]}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chats/fetch-chats", r.URL.Path)
		w.Write([]byte(body))
	})

	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)

	assert.Equal(t, "Bob", convs[0].DisplayName("u1"))
	require.NotNil(t, convs[0].LatestMessage)
	assert.Equal(t, "m9", convs[0].LatestMessage.ID)

	assert.True(t, convs[1].IsGroup)
	assert.Equal(t, []string{"u1", "u2", "u3"}, convs[1].MemberIDs())
	assert.Equal(t, []string{"u1"}, convs[1].Admins)
}

func TestClient_OpenConversation(t *testing.T) {
	var got map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chats/access-chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"_id": "c1", "users": [{"_id": "u1"}, {"_id": "u2"}]}`))
	})

	conv, err := c.OpenConversation(context.Background(), "u2", "")
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)
	assert.Equal(t, map[string]string{"userId": "u2"}, got)

	_, err = c.OpenConversation(context.Background(), "u2", "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got["chatId"])
}

func TestClient_OpenConversationWithoutID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	_, err := c.OpenConversation(context.Background(), "u2", "")
	assert.ErrorIs(t, err, api.ErrInvalidPayload)
}

func TestClient_PostMessage(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"_id": "m1", "chat": {"_id": "c1"}, "sender": {"_id": "u1", "name": "Alice"}, "content": "hi", "contentType": "text", "createdAt": "2024-05-01T10:00:00Z"}`))
	}, api.WithToken("secret"))

	me := model.User{ID: "u1", Name: "Alice"}
	out := model.NewOutgoing("c1", me, "hi", model.ContentTypeText, time.Now())

	msg, err := c.PostMessage(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, model.UserSet{"u1"}, msg.DeliveredBy, "defaults to the sender")
	assert.Equal(t, model.UserSet{"u1"}, msg.ReadBy)

	assert.Equal(t, "c1", got["chatId"])
	assert.Equal(t, "u1", got["senderId"])
	assert.Equal(t, []any{"u1"}, got["readBy"])
}

func TestClient_PostMessageWithoutID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content": "hi"}`))
	})

	_, err := c.PostMessage(context.Background(), model.Message{ConversationID: "c1", SenderID: "u1"})
	assert.ErrorIs(t, err, api.ErrInvalidPayload)
}

func TestClient_PostReadReceiptPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	var body map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/messages/m1/read", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"updatedMessage": {"deliveredBy": ["u1", "u2"], "readBy": ["u1", "u2"], "isRead": true}}`))
	}, api.WithPublisher(pub))

	update, err := c.PostReadReceipt(context.Background(), "m1", "c1", "u2")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"chatId": "c1", "userId": "u2"}, body)

	require.NotNil(t, update.IsRead)
	assert.True(t, *update.IsRead)
	assert.Equal(t, []string{"u1", "u2"}, update.ReadBy)

	require.Len(t, pub.receipts, 1)
	assert.Equal(t, protocol.ReceiptRead, pub.kinds[0])
	assert.Equal(t, update, pub.receipts[0])
}

func TestClient_PostDeliveredReceiptFailureDoesNotPublish(t *testing.T) {
	pub := &recordingPublisher{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages/m1/delivered", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	}, api.WithPublisher(pub))

	_, err := c.PostDeliveredReceipt(context.Background(), "m1", "c1", "u2")
	require.Error(t, err)
	assert.Empty(t, pub.receipts)
}

func TestClient_PublishFailureIsNotAnError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("not connected to server")}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"updatedMessage": {"deliveredBy": ["u2"]}}`))
	}, api.WithPublisher(pub))

	update, err := c.PostDeliveredReceipt(context.Background(), "m1", "c1", "u2")
	require.NoError(t, err)
	assert.Nil(t, update.IsRead)
	assert.Len(t, pub.receipts, 1)
}

func TestClient_ReceiptLimiterHonoursContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}, api.WithReceiptLimiter(0.001, 1))

	_, err := c.PostReadReceipt(context.Background(), "m1", "c1", "u2")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.PostReadReceipt(ctx, "m2", "c1", "u2")
	require.Error(t, err)
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	}, api.WithTimeout(20*time.Millisecond))
	defer close(release)

	_, err := c.ListConversations(context.Background())
	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Zero(t, apiErr.Status)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Groups(t *testing.T) {
	type call struct {
		method, path string
		body         map[string]any
	}
	calls := make(chan call, 8)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &body)
		}
		calls <- call{r.Method, r.URL.Path, body}
		switch {
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet:
			w.Write([]byte(`[{"_id": "g1", "chatName": "Team", "isGroupChat": true}]`))
		default:
			w.Write([]byte(`{"_id": "g1", "chatName": "Team", "isGroupChat": true}`))
		}
	})
	ctx := context.Background()

	groups, err := c.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, call{http.MethodGet, "/api/chats/group", nil}, <-calls)

	_, err = c.CreateGroup(ctx, "Team", []string{"u2", "u3"})
	require.NoError(t, err)
	created := <-calls
	assert.Equal(t, "/api/chats/group", created.path)
	assert.Equal(t, `["u2","u3"]`, created.body["users"])

	_, err = c.UpdateGroupInfo(ctx, "g1", "New")
	require.NoError(t, err)
	assert.Equal(t, call{http.MethodPut, "/api/chats/group/g1/info", map[string]any{"chatName": "New"}}, <-calls)

	_, err = c.AddMembers(ctx, "g1", []string{"u4"})
	require.NoError(t, err)
	assert.Equal(t, "/api/chats/group/g1/add-members", (<-calls).path)

	_, err = c.RemoveMembers(ctx, "g1", []string{"u4"})
	require.NoError(t, err)
	assert.Equal(t, "/api/chats/group/g1/remove-members", (<-calls).path)

	_, err = c.LeaveGroup(ctx, "g1")
	require.NoError(t, err)
	left := <-calls
	assert.Equal(t, http.MethodPost, left.method)
	assert.Equal(t, "/api/chats/group/g1/leave", left.path)

	require.NoError(t, c.DeleteGroup(ctx, "g1"))
	assert.Equal(t, http.MethodDelete, (<-calls).method)
}
