// Package realtime hosts the HTTP/WebSocket surface of the coordinator. The
// socket carries JSON frames; every domain event arrives and leaves as a
// tagged frame on the one persistent connection per user.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/huddle-chat/huddle/internal/calls"
	"github.com/huddle-chat/huddle/internal/chat"
	apperrors "github.com/huddle-chat/huddle/internal/errors"
	"github.com/huddle-chat/huddle/internal/platform/id"
	"github.com/huddle-chat/huddle/internal/platform/timeouts"
	"github.com/huddle-chat/huddle/internal/presence"
	"github.com/huddle-chat/huddle/internal/social"
	"github.com/huddle-chat/huddle/internal/storage"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Inbound frame types understood by the socket.
const (
	frameFriendRequest          = "friend_request"
	frameAcceptRequest          = "accept_request"
	frameGetDirectConversations = "get_direct_conversations"
	frameStartConversation      = "start_conversation"
	frameGetMessages            = "get_messages"
	frameTextMessage            = "text_message"
	frameEnd                    = "end"
)

// Config defines the inputs for the realtime transport boundary.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the WebSocket endpoint plus any mounted REST surface.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type friendRequestPayload struct {
	To   string `json:"to"`
	From string `json:"from"`
}

type acceptRequestPayload struct {
	RequestID string `json:"request_id"`
}

type pairPayload struct {
	To   string `json:"to"`
	From string `json:"from"`
}

type getMessagesPayload struct {
	ConversationID string `json:"conversation_id"`
}

type textMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	Type           string `json:"type"`
	Message        string `json:"message"`
}

type callSignalPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	RoomID string `json:"roomID"`
}

type endPayload struct {
	UserID string `json:"user_id"`
}

type conversationsEnvelope struct {
	Conversations []chat.View `json:"conversations"`
}

type messagesEnvelope struct {
	Messages []chat.MessageView `json:"messages"`
}

type wsSession struct {
	userID       string
	connectionID string
	peer         *wsPeer
}

// Dispatcher routes socket frames into the domain services. It is separate
// from Server so tests can drive it through an httptest server.
type Dispatcher struct {
	registry *presence.Registry
	hub      *Hub
	social   *social.Service
	chat     *chat.Service
	calls    *calls.Service
}

// NewDispatcher wires the socket surface to the domain services.
func NewDispatcher(registry *presence.Registry, hub *Hub, socialSvc *social.Service, chatSvc *chat.Service, callSvc *calls.Service) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		hub:      hub,
		social:   socialSvc,
		chat:     chatSvc,
		calls:    callSvc,
	}
}

// Handler returns the routes for the realtime surface. A REST handler may be
// mounted under /api/; nil skips the mount.
func (d *Dispatcher) Handler(api http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if api != nil {
		mux.Handle("/api/", api)
	}

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		d.handleWSConn(conn)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if strings.TrimSpace(r.URL.Query().Get("user_id")) == "" {
			http.Error(w, "user_id is required", http.StatusUnauthorized)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
	return mux
}

func (d *Dispatcher) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	userID := ""
	if request := conn.Request(); request != nil {
		userID = strings.TrimSpace(request.URL.Query().Get("user_id"))
	}
	if userID == "" {
		return
	}

	connectionID, err := id.NewID()
	if err != nil {
		log.Printf("realtime: generate connection id: %v", err)
		return
	}

	peer := newWSPeer(json.NewEncoder(conn))
	session := &wsSession{userID: userID, connectionID: connectionID, peer: peer}

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	d.hub.register(connectionID, peer)
	if err := d.registry.Attach(ctx, userID, connectionID); err != nil {
		log.Printf("realtime: attach user=%q: %v", userID, err)
	}
	defer func() {
		d.hub.unregister(connectionID, peer)
		detachCtx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
		defer cancel()
		if err := d.registry.Detach(detachCtx, userID, connectionID); err != nil {
			log.Printf("realtime: detach user=%q: %v", userID, err)
		}
	}()

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(session.peer, "", string(apperrors.CodeValidationFailed), "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session.peer, frame.RequestID, string(apperrors.CodeValidationFailed), "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(session.peer, frame.RequestID, "RATE_LIMITED", "rate limit exceeded")
			return
		}

		if d.dispatch(ctx, session, frame) {
			return
		}
	}
}

// dispatch handles one frame and reports whether the connection should close.
// The store work behind one event is bounded so a wedged store cannot pin the
// reader goroutine forever.
func (d *Dispatcher) dispatch(ctx context.Context, session *wsSession, frame wsFrame) bool {
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()

	switch frame.Type {
	case frameFriendRequest:
		d.handleFriendRequest(ctx, session, frame)
	case frameAcceptRequest:
		d.handleAcceptRequest(ctx, session, frame)
	case frameGetDirectConversations:
		d.handleGetDirectConversations(ctx, session, frame)
	case frameStartConversation:
		d.handleStartConversation(ctx, session, frame)
	case frameGetMessages:
		d.handleGetMessages(ctx, session, frame)
	case frameTextMessage:
		d.handleTextMessage(ctx, session, frame)
	case "start_audio_call":
		d.handleStartCall(ctx, session, frame, storage.CallAudio)
	case "start_video_call":
		d.handleStartCall(ctx, session, frame, storage.CallVideo)
	case "audio_call_not_picked":
		d.handleResolveCall(ctx, session, frame, storage.CallAudio, calls.OutcomeNotPicked)
	case "video_call_not_picked":
		d.handleResolveCall(ctx, session, frame, storage.CallVideo, calls.OutcomeNotPicked)
	case "audio_call_accepted":
		d.handleResolveCall(ctx, session, frame, storage.CallAudio, calls.OutcomeAccepted)
	case "video_call_accepted":
		d.handleResolveCall(ctx, session, frame, storage.CallVideo, calls.OutcomeAccepted)
	case "audio_call_denied":
		d.handleResolveCall(ctx, session, frame, storage.CallAudio, calls.OutcomeDenied)
	case "video_call_denied":
		d.handleResolveCall(ctx, session, frame, storage.CallVideo, calls.OutcomeDenied)
	case "user_is_busy_audio_call":
		d.handleResolveCall(ctx, session, frame, storage.CallAudio, calls.OutcomeBusy)
	case "user_is_busy_video_call":
		d.handleResolveCall(ctx, session, frame, storage.CallVideo, calls.OutcomeBusy)
	case "audio_call_ended":
		d.handleEndCall(ctx, session, frame, storage.CallAudio)
	case "video_call_ended":
		d.handleEndCall(ctx, session, frame, storage.CallVideo)
	case frameEnd:
		d.handleEnd(session, frame)
		return true
	default:
		_ = writeWSError(session.peer, frame.RequestID, string(apperrors.CodeValidationFailed), "unsupported frame type")
	}
	return false
}

func (d *Dispatcher) handleFriendRequest(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload friendRequestPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, string(apperrors.CodeValidationFailed), "invalid friend_request payload")
		return
	}
	senderID := strings.TrimSpace(payload.From)
	if senderID == "" {
		senderID = session.userID
	}
	if _, err := d.social.CreateRequest(ctx, senderID, payload.To); err != nil {
		d.reportError(session, frame, "friend_request", err)
	}
}

func (d *Dispatcher) handleAcceptRequest(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload acceptRequestPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, string(apperrors.CodeValidationFailed), "invalid accept_request payload")
		return
	}
	if _, err := d.social.AcceptRequest(ctx, payload.RequestID); err != nil {
		d.reportError(session, frame, "accept_request", err)
	}
}

func (d *Dispatcher) handleGetDirectConversations(ctx context.Context, session *wsSession, frame wsFrame) {
	views, err := d.chat.ListConversations(ctx, session.userID)
	if err != nil {
		d.reportError(session, frame, "get_direct_conversations", err)
		return
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:      "direct_conversations",
		RequestID: frame.RequestID,
		Payload:   mustJSON(conversationsEnvelope{Conversations: views}),
	})
}

func (d *Dispatcher) handleStartConversation(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload pairPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, string(apperrors.CodeValidationFailed), "invalid start_conversation payload")
		return
	}
	fromID := strings.TrimSpace(payload.From)
	if fromID == "" {
		fromID = session.userID
	}
	if _, err := d.chat.StartConversation(ctx, fromID, payload.To); err != nil {
		d.reportError(session, frame, "start_conversation", err)
	}
}

func (d *Dispatcher) handleGetMessages(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload getMessagesPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, string(apperrors.CodeValidationFailed), "invalid get_messages payload")
		return
	}
	messages, err := d.chat.Messages(ctx, payload.ConversationID)
	if err != nil {
		d.reportError(session, frame, "get_messages", err)
		return
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:      "messages",
		RequestID: frame.RequestID,
		Payload:   mustJSON(messagesEnvelope{Messages: messages}),
	})
}

func (d *Dispatcher) handleTextMessage(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload textMessagePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, string(apperrors.CodeValidationFailed), "invalid text_message payload")
		return
	}
	fromID := strings.TrimSpace(payload.From)
	if fromID == "" {
		fromID = session.userID
	}
	_, err := d.chat.SendMessage(ctx, payload.ConversationID, fromID, payload.To, storage.MessageKind(payload.Type), payload.Message)
	if err != nil {
		d.reportError(session, frame, "text_message", err)
	}
}

func (d *Dispatcher) handleStartCall(ctx context.Context, session *wsSession, frame wsFrame, kind storage.CallKind) {
	var payload callSignalPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, string(apperrors.CodeValidationFailed), "invalid call payload")
		return
	}
	fromID := strings.TrimSpace(payload.From)
	if fromID == "" {
		fromID = session.userID
	}
	if err := d.calls.Notify(ctx, kind, fromID, payload.To, payload.RoomID); err != nil {
		d.reportError(session, frame, frame.Type, err)
	}
}

func (d *Dispatcher) handleResolveCall(ctx context.Context, session *wsSession, frame wsFrame, kind storage.CallKind, outcome calls.Outcome) {
	var payload pairPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, string(apperrors.CodeValidationFailed), "invalid call payload")
		return
	}
	if err := d.calls.Resolve(ctx, kind, payload.From, payload.To, outcome); err != nil {
		d.reportError(session, frame, frame.Type, err)
	}
}

func (d *Dispatcher) handleEndCall(ctx context.Context, session *wsSession, frame wsFrame, kind storage.CallKind) {
	var payload pairPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, string(apperrors.CodeValidationFailed), "invalid call payload")
		return
	}
	fromID := strings.TrimSpace(payload.From)
	if fromID == "" {
		fromID = session.userID
	}
	if err := d.calls.End(ctx, kind, fromID, payload.To); err != nil {
		d.reportError(session, frame, frame.Type, err)
	}
}

// handleEnd is the explicit client-side goodbye: mark offline and close. The
// deferred detach in handleWSConn covers abrupt disconnects.
func (d *Dispatcher) handleEnd(session *wsSession, frame wsFrame) {
	var payload endPayload
	if len(frame.Payload) > 0 {
		_ = json.Unmarshal(frame.Payload, &payload)
	}
	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		userID = session.userID
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
	defer cancel()
	if err := d.registry.Detach(ctx, userID, session.connectionID); err != nil {
		log.Printf("realtime: end detach user=%q: %v", userID, err)
	}
}

// reportError maps a handler failure onto the socket. Transitions referencing
// entities that no longer exist are logged and dropped without a frame; the
// client cannot act on them anyway.
func (d *Dispatcher) reportError(session *wsSession, frame wsFrame, operation string, err error) {
	code := apperrors.GetCode(err)
	switch code {
	case apperrors.CodeUserNotFound,
		apperrors.CodeFriendRequestNotFound,
		apperrors.CodeCallNotFound:
		log.Printf("realtime: %s for user=%q dropped: %v", operation, session.userID, err)
		return
	}
	log.Printf("realtime: %s for user=%q failed: %v", operation, session.userID, err)
	_ = writeWSError(session.peer, frame.RequestID, string(code), err.Error())
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{Code: code, Message: message},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// NewServer builds the realtime HTTP server around a dispatcher handler.
func NewServer(config Config, handler http.Handler) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
	}, nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("realtime server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("realtime server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
