package store_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatsync/internal/client"
	"github.com/omochice/chatsync/internal/client/ws"
	"github.com/omochice/chatsync/internal/model"
	"github.com/omochice/chatsync/internal/server"
	"github.com/omochice/chatsync/internal/store"
	"github.com/omochice/chatsync/pkg/logger"
	"github.com/omochice/chatsync/pkg/protocol"
)

// publishingAPI publishes successful receipts the way the request client does.
type publishingAPI struct {
	*fakeAPI
	pub client.ReceiptPublisher
}

func (p publishingAPI) PostDeliveredReceipt(ctx context.Context, messageID, conversationID, userID string) (protocol.StatusUpdate, error) {
	u, err := p.fakeAPI.PostDeliveredReceipt(ctx, messageID, conversationID, userID)
	if err == nil {
		_ = p.pub.PublishReceipt(protocol.ReceiptDelivered, u)
	}
	return u, err
}

func (p publishingAPI) PostReadReceipt(ctx context.Context, messageID, conversationID, userID string) (protocol.StatusUpdate, error) {
	u, err := p.fakeAPI.PostReadReceipt(ctx, messageID, conversationID, userID)
	if err == nil {
		_ = p.pub.PublishReceipt(protocol.ReceiptRead, u)
	}
	return u, err
}

type participant struct {
	user      model.User
	transport *ws.Client
	store     *store.Store
}

func connectParticipant(t *testing.T, url string, backend *fakeAPI, user model.User) *participant {
	t.Helper()

	policy := ws.Policy{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	transport := ws.New(url, ws.WithReconnectPolicy(policy), ws.WithLogger(logger.Nop()))
	t.Cleanup(transport.Teardown)

	s := store.New(publishingAPI{fakeAPI: backend, pub: transport}, transport, store.StaticIdentity(user), store.WithLogger(logger.Nop()))
	s.Start()
	t.Cleanup(s.Stop)

	require.NoError(t, transport.Connect(t.Context(), user.ID))
	return &participant{user: user, transport: transport, store: s}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

func TestIntegration_TwoClientsOverRelay(t *testing.T) {
	relay := server.New("127.0.0.1:0", server.WithLogger(logger.Nop()))
	ts := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		relay.Stop()
		ts.Close()
	})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	backend := newFakeAPI()
	backend.byPeer[me.ID] = direct
	backend.byPeer[peer.ID] = direct

	alice := connectParticipant(t, url, backend, me)
	bob := connectParticipant(t, url, backend, peer)

	eventually(t, func() bool {
		return alice.store.Snapshot().Online.Has(peer.ID) && bob.store.Snapshot().Online.Has(me.ID)
	}, "presence exchanged")

	ctx := t.Context()
	require.NoError(t, alice.store.SelectConversation(ctx, peer.ID, ""))
	require.NoError(t, bob.store.SelectConversation(ctx, me.ID, ""))
	eventually(t, func() bool { return relay.RoomSize("c1") == 2 }, "both joined")

	saved, err := alice.store.SendMessage(ctx, "c1", "hello bob", model.ContentTypeText)
	require.NoError(t, err)

	eventually(t, func() bool {
		_, ok := bob.store.Snapshot().Message(saved.ID)
		return ok
	}, "bob received the message")

	// Bob was online, so alice recorded delivery when sending.
	m, _ := alice.store.Snapshot().Message(saved.ID)
	assert.True(t, m.DeliveredBy.Has(peer.ID))

	require.NoError(t, bob.store.MarkRead(ctx, saved.ID, "c1"))
	eventually(t, func() bool {
		m, _ := alice.store.Snapshot().Message(saved.ID)
		return m.ReadBy.Has(peer.ID)
	}, "alice saw the read receipt")

	require.NoError(t, bob.store.SetTyping("c1", true))
	eventually(t, func() bool { return alice.store.Snapshot().TypingIn("c1").Has(peer.ID) }, "typing shown")
	require.NoError(t, bob.store.SetTyping("c1", false))
	eventually(t, func() bool { return !alice.store.Snapshot().TypingIn("c1").Has(peer.ID) }, "typing cleared")

	// Both connections drop; the adapters reconnect and rejoin on their own.
	relay.DropAll()
	eventually(t, func() bool {
		return relay.Accepted() == 4 && relay.RoomSize("c1") == 2 &&
			alice.transport.IsConnected() && bob.transport.IsConnected()
	}, "reconnected and rejoined")

	again, err := alice.store.SendMessage(ctx, "c1", "still there?", model.ContentTypeText)
	require.NoError(t, err)
	eventually(t, func() bool {
		_, ok := bob.store.Snapshot().Message(again.ID)
		return ok
	}, "message after reconnect")

	assert.Len(t, bob.store.Snapshot().Messages, 2)
	assert.Len(t, alice.store.Snapshot().Messages, 2)
}
