package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/huddle-chat/huddle/internal/calls"
	"github.com/huddle-chat/huddle/internal/chat"
	"github.com/huddle-chat/huddle/internal/presence"
	"github.com/huddle-chat/huddle/internal/social"
	"github.com/huddle-chat/huddle/internal/storage"
	"github.com/huddle-chat/huddle/internal/storage/sqlite"
)

type wsTestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func newTestHandler(t *testing.T) (http.Handler, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "realtime.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	for _, user := range []storage.User{
		{ID: "user-1", FirstName: "Ada", Email: "ada@example.com", Verified: true},
		{ID: "user-2", FirstName: "Grace", Email: "grace@example.com", Verified: true},
		{ID: "user-3", FirstName: "Edsger", Email: "edsger@example.com", Verified: true},
	} {
		if err := store.PutUser(context.Background(), user); err != nil {
			t.Fatalf("seed user %s: %v", user.ID, err)
		}
	}

	registry := presence.NewRegistry(store)
	hub := NewHub(registry)
	dispatcher := NewDispatcher(
		registry,
		hub,
		social.NewService(store, store, hub),
		chat.NewService(store, store, hub),
		calls.NewService(store, store, hub),
	)
	return dispatcher.Handler(nil), store
}

func dialWS(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=" + userID
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

// waitOnline blocks until the user's connect has been recorded, so frames
// sent right after dialing cannot race the attach.
func waitOnline(t *testing.T, store *sqlite.Store, userID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		user, err := store.GetUser(context.Background(), userID)
		if err != nil {
			t.Fatalf("get user %s: %v", userID, err)
		}
		if user.Status == storage.PresenceOnline {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("user %s never came online", userID)
}

func TestWebSocketRequiresUserID(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	if err == nil {
		_ = conn.Close()
		t.Fatal("expected handshake to fail without user_id")
	}
}

func TestConnectMarksUserOnline(t *testing.T) {
	handler, store := newTestHandler(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	dialWS(t, srv, "user-1")
	waitOnline(t, store, "user-1")

	user, err := store.GetUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.ConnectionID == "" {
		t.Fatal("expected a connection id to be recorded")
	}
}

func TestFriendRequestDeliveredToBothParties(t *testing.T) {
	handler, store := newTestHandler(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	connA := dialWS(t, srv, "user-1")
	connB := dialWS(t, srv, "user-2")
	waitOnline(t, store, "user-1")
	waitOnline(t, store, "user-2")

	writeFrame(t, connA, map[string]any{
		"type":    "friend_request",
		"payload": map[string]any{"to": "user-2"},
	})

	notice := readFrame(t, connB)
	if notice.Type != "new_friend_request" {
		t.Fatalf("recipient frame = %q, want new_friend_request", notice.Type)
	}
	if !strings.Contains(string(notice.Payload), "Ada") {
		t.Fatalf("notice payload = %s, expected sender profile", string(notice.Payload))
	}

	receipt := readFrame(t, connA)
	if receipt.Type != "request_sent" {
		t.Fatalf("sender frame = %q, want request_sent", receipt.Type)
	}
}

func TestAcceptRequestNotifiesBothParties(t *testing.T) {
	handler, store := newTestHandler(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	connA := dialWS(t, srv, "user-1")
	connB := dialWS(t, srv, "user-2")
	waitOnline(t, store, "user-1")
	waitOnline(t, store, "user-2")

	writeFrame(t, connA, map[string]any{
		"type":    "friend_request",
		"payload": map[string]any{"to": "user-2"},
	})
	notice := readFrame(t, connB)
	var payload struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(notice.Payload, &payload); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	readFrame(t, connA) // request_sent

	writeFrame(t, connB, map[string]any{
		"type":    "accept_request",
		"payload": map[string]any{"request_id": payload.RequestID},
	})

	for name, conn := range map[string]*websocket.Conn{"sender": connA, "recipient": connB} {
		got := readFrame(t, conn)
		if got.Type != "request_accepted" {
			t.Fatalf("%s frame = %q, want request_accepted", name, got.Type)
		}
	}

	friends, err := store.ListFriends(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list friends: %v", err)
	}
	if len(friends) != 1 || friends[0].ID != "user-2" {
		t.Fatalf("friends = %+v", friends)
	}
}

func TestStartConversationReturnsStartChat(t *testing.T) {
	handler, store := newTestHandler(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	connA := dialWS(t, srv, "user-1")
	waitOnline(t, store, "user-1")

	writeFrame(t, connA, map[string]any{
		"type":    "start_conversation",
		"payload": map[string]any{"to": "user-2"},
	})

	got := readFrame(t, connA)
	if got.Type != "start_chat" {
		t.Fatalf("frame = %q, want start_chat", got.Type)
	}
	if !strings.Contains(string(got.Payload), "user-2") {
		t.Fatalf("payload = %s, expected participant user-2", string(got.Payload))
	}
}

func TestTextMessageDeliveredToBothParties(t *testing.T) {
	handler, store := newTestHandler(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	connA := dialWS(t, srv, "user-1")
	connB := dialWS(t, srv, "user-2")
	waitOnline(t, store, "user-1")
	waitOnline(t, store, "user-2")

	writeFrame(t, connA, map[string]any{
		"type": "text_message",
		"payload": map[string]any{
			"to":      "user-2",
			"type":    "text",
			"message": "hello there",
		},
	})

	for name, conn := range map[string]*websocket.Conn{"sender": connA, "recipient": connB} {
		got := readFrame(t, conn)
		if got.Type != "new_message" {
			t.Fatalf("%s frame = %q, want new_message", name, got.Type)
		}
		if !strings.Contains(string(got.Payload), "hello there") {
			t.Fatalf("%s payload = %s", name, string(got.Payload))
		}
	}
}

func TestGetMessagesEchoesRequestID(t *testing.T) {
	handler, store := newTestHandler(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	connA := dialWS(t, srv, "user-1")
	waitOnline(t, store, "user-1")

	writeFrame(t, connA, map[string]any{
		"type": "text_message",
		"payload": map[string]any{
			"to":      "user-2",
			"message": "first",
		},
	})
	sent := readFrame(t, connA)
	var notice struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(sent.Payload, &notice); err != nil {
		t.Fatalf("decode new_message: %v", err)
	}

	writeFrame(t, connA, map[string]any{
		"type":       "get_messages",
		"request_id": "req-1",
		"payload":    map[string]any{"conversation_id": notice.ConversationID},
	})

	got := readFrame(t, connA)
	if got.Type != "messages" || got.RequestID != "req-1" {
		t.Fatalf("frame = %+v, want messages/req-1", got)
	}
	if !strings.Contains(string(got.Payload), "first") {
		t.Fatalf("payload = %s", string(got.Payload))
	}
}

func TestCallNotificationReachesCallee(t *testing.T) {
	handler, store := newTestHandler(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	connA := dialWS(t, srv, "user-1")
	connB := dialWS(t, srv, "user-2")
	waitOnline(t, store, "user-1")
	waitOnline(t, store, "user-2")

	writeFrame(t, connA, map[string]any{
		"type": "start_audio_call",
		"payload": map[string]any{
			"to":     "user-2",
			"roomID": "room-1",
		},
	})

	got := readFrame(t, connB)
	if got.Type != "audio_call_notification" {
		t.Fatalf("frame = %q, want audio_call_notification", got.Type)
	}
	if !strings.Contains(string(got.Payload), "room-1") {
		t.Fatalf("payload = %s, expected room id", string(got.Payload))
	}
}

func TestOfflineRecipientStillGetsStoredRequest(t *testing.T) {
	handler, store := newTestHandler(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	connA := dialWS(t, srv, "user-1")
	waitOnline(t, store, "user-1")

	writeFrame(t, connA, map[string]any{
		"type":    "friend_request",
		"payload": map[string]any{"to": "user-3"},
	})

	receipt := readFrame(t, connA)
	if receipt.Type != "request_sent" {
		t.Fatalf("frame = %q, want request_sent", receipt.Type)
	}

	requests, err := store.ListFriendRequests(context.Background(), "user-3")
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(requests) != 1 || requests[0].SenderID != "user-1" {
		t.Fatalf("requests = %+v", requests)
	}
}

func TestUnknownFrameTypeReturnsError(t *testing.T) {
	handler, store := newTestHandler(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	connA := dialWS(t, srv, "user-1")
	waitOnline(t, store, "user-1")

	writeFrame(t, connA, map[string]any{
		"type":       "poke",
		"request_id": "req-bad-1",
		"payload":    map[string]any{},
	})

	got := readFrame(t, connA)
	if got.Type != "error" || got.RequestID != "req-bad-1" {
		t.Fatalf("frame = %+v, want error/req-bad-1", got)
	}
	if !strings.Contains(string(got.Payload), "VALIDATION_FAILED") {
		t.Fatalf("payload = %s, expected VALIDATION_FAILED", string(got.Payload))
	}
}

type deadlineRecordingStore struct {
	storage.Store

	mu          sync.Mutex
	hadDeadline bool
}

func (s *deadlineRecordingStore) SetPresence(context.Context, string, string, storage.PresenceStatus) error {
	return nil
}

func (s *deadlineRecordingStore) ListConversations(ctx context.Context, _ string) ([]storage.Conversation, error) {
	_, ok := ctx.Deadline()
	s.mu.Lock()
	s.hadDeadline = ok
	s.mu.Unlock()
	return nil, nil
}

func (s *deadlineRecordingStore) sawDeadline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hadDeadline
}

func TestDispatchBoundsStoreWork(t *testing.T) {
	store := &deadlineRecordingStore{}
	registry := presence.NewRegistry(store)
	hub := NewHub(registry)
	dispatcher := NewDispatcher(registry, hub, nil, chat.NewService(store, store, hub), nil)

	srv := httptest.NewServer(dispatcher.Handler(nil))
	t.Cleanup(srv.Close)

	connA := dialWS(t, srv, "user-1")
	writeFrame(t, connA, map[string]any{
		"type":       "get_direct_conversations",
		"request_id": "req-dl-1",
		"payload":    map[string]any{},
	})

	got := readFrame(t, connA)
	if got.Type != "direct_conversations" {
		t.Fatalf("frame = %q, want direct_conversations", got.Type)
	}
	if !store.sawDeadline() {
		t.Fatal("expected the store context to carry a deadline")
	}
}

func TestEndFrameMarksUserOffline(t *testing.T) {
	handler, store := newTestHandler(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	connA := dialWS(t, srv, "user-1")
	waitOnline(t, store, "user-1")

	writeFrame(t, connA, map[string]any{
		"type":    "end",
		"payload": map[string]any{"user_id": "user-1"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		user, err := store.GetUser(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("get user: %v", err)
		}
		if user.Status == storage.PresenceOffline {
			if user.ConnectionID == "" {
				t.Fatal("expected connection id to survive the disconnect")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("user never went offline")
}
