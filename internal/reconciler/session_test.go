package reconciler

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dmsync/config"
	"dmsync/internal/events"
	"dmsync/internal/handler"
	"dmsync/internal/repository/memory"
	"dmsync/internal/server"
	"dmsync/internal/services"
	"dmsync/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionSecret = "session-secret"

type liveClient struct {
	rec     *Reconciler
	session *Session
	cancel  context.CancelFunc
}

func startRelay(t *testing.T) (*httptest.Server, *server.Hub) {
	t.Helper()
	store := memory.NewStore()
	messageService := services.NewMessageService(store, store, 0)
	hub := server.NewHub()

	srv := server.New(&config.Config{AppMode: server.TestMode}, logger.NewNop())
	srv.SetupRoutes(&server.Handlers{
		Messages:  handler.NewMessageHandler(messageService),
		WebSocket: server.NewWebSocketHandler(hub, server.NewRelay(messageService, hub)),
	}, services.NewAuthService(sessionSecret), server.RouteOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	ts := httptest.NewServer(srv.Engine())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return ts, hub
}

func connect(t *testing.T, ts *httptest.Server, hub *server.Hub, userID string) *liveClient {
	t.Helper()
	token, err := services.NewAuthService(sessionSecret).IssueAccessToken(userID, time.Hour)
	require.NoError(t, err)

	session := NewSession("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/ws", token, SessionHandlers{})
	rec := New(userID, session, NewHTTPHistory(ts.URL, token), Options{TypingTimeout: time.Hour})
	session.Attach(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return session.Connected() && hub.ConnectionCount(userID) > 0
	}, 3*time.Second, 10*time.Millisecond)
	return &liveClient{rec: rec, session: session, cancel: cancel}
}

func TestSession_MessageReachesBothSides(t *testing.T) {
	ts, hub := startRelay(t)
	alice := connect(t, ts, hub, "alice")
	bob := connect(t, ts, hub, "bob")
	ctx := context.Background()

	require.NoError(t, alice.rec.SelectPeer(ctx, "bob"))
	_, err := alice.rec.Send("hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := alice.rec.Snapshot()
		return len(s.Pending) == 0 && len(s.Timeline) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		p, ok := bob.rec.Snapshot().Peer("alice")
		return ok && p.Unread == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.rec.SelectPeer(ctx, "alice"))
	snap := bob.rec.Snapshot()
	require.Len(t, snap.Timeline, 1)
	assert.Equal(t, "hi", snap.Timeline[0].Content)
	assert.Equal(t, alice.rec.Snapshot().Timeline[0].ID, snap.Timeline[0].ID)
	p, _ := snap.Peer("alice")
	assert.Zero(t, p.Unread)
}

func TestSession_RejectedSendIsMarkedFailed(t *testing.T) {
	ts, hub := startRelay(t)
	alice := connect(t, ts, hub, "alice")

	require.NoError(t, alice.rec.SelectPeer(context.Background(), "bob"))
	// Bypass local validation to exercise the relay's.
	long := strings.Repeat("a", 1001)
	alice.rec.mu.Lock()
	alice.rec.pending = append(alice.rec.pending, Pending{ClientRef: "manual", PeerID: "bob", Content: long})
	alice.rec.mu.Unlock()
	require.NoError(t, alice.session.Emit(events.SendMessageFrame{
		SenderID:   "alice",
		ReceiverID: "bob",
		Text:       long,
		ClientRef:  "manual",
	}))

	require.Eventually(t, func() bool {
		s := alice.rec.Snapshot()
		return len(s.Pending) == 1 && s.Pending[0].Failed
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, alice.rec.Snapshot().LastError, "VALIDATION_ERROR")
}

func TestSession_TypingAndPeerOffline(t *testing.T) {
	ts, hub := startRelay(t)
	alice := connect(t, ts, hub, "alice")
	bob := connect(t, ts, hub, "bob")
	ctx := context.Background()

	require.NoError(t, bob.rec.SelectPeer(ctx, "alice"))
	require.NoError(t, alice.rec.SelectPeer(ctx, "bob"))
	require.NoError(t, alice.rec.Keystroke("h"))

	require.Eventually(t, func() bool {
		p, ok := bob.rec.Snapshot().Peer("alice")
		return ok && p.Typing
	}, 3*time.Second, 10*time.Millisecond)

	alice.cancel()
	require.Eventually(t, func() bool {
		p, _ := bob.rec.Snapshot().Peer("alice")
		return !p.Typing
	}, 3*time.Second, 10*time.Millisecond)
}
