// Package api exposes the REST companion to the realtime socket: call
// initiation, call history, media tokens, and social lookups.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/huddle-chat/huddle/internal/calls"
	apperrors "github.com/huddle-chat/huddle/internal/errors"
	"github.com/huddle-chat/huddle/internal/social"
	"github.com/huddle-chat/huddle/internal/storage"
	"github.com/huddle-chat/huddle/internal/token"
)

// mediaTokenTTL matches the lifetime the media provider expects.
const mediaTokenTTL = time.Hour

type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Handler bundles the REST routes and their dependencies.
type Handler struct {
	social *social.Service
	calls  *calls.Service
	tokens *token.Generator
	auth   *Authenticator
}

// NewHandler wires the REST surface. The token generator may be nil when no
// media credentials are configured; the endpoint then reports unavailable.
func NewHandler(socialSvc *social.Service, callSvc *calls.Service, tokens *token.Generator, auth *Authenticator) http.Handler {
	h := &Handler{
		social: socialSvc,
		calls:  callSvc,
		tokens: tokens,
		auth:   auth,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/calls/audio/start", h.startCall(storage.CallAudio))
	mux.HandleFunc("POST /api/calls/video/start", h.startCall(storage.CallVideo))
	mux.HandleFunc("GET /api/calls/logs", h.callLogs)
	mux.HandleFunc("POST /api/media/token", h.mediaToken)
	mux.HandleFunc("GET /api/users", h.listUsers)
	mux.HandleFunc("GET /api/friends", h.listFriends)
	mux.HandleFunc("GET /api/friends/requests", h.listFriendRequests)
	return auth.Middleware(mux)
}

type startCallRequest struct {
	ID string `json:"id"`
}

func (h *Handler) startCall(kind storage.CallKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userFrom(r.Context())
		if !ok {
			writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authorization required"))
			return
		}
		var req startCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.Wrap(apperrors.CodeValidationFailed, "invalid request body", err))
			return
		}

		invite, err := h.calls.Initiate(r.Context(), kind, user.ID, req.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, envelope{
			Status:  "success",
			Message: "Call started successfully",
			Data:    invite,
		})
	}
}

func (h *Handler) callLogs(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authorization required"))
		return
	}
	entries, err := h.calls.Logs(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Status:  "success",
		Message: "Call logs found successfully",
		Data:    entries,
	})
}

type mediaTokenRequest struct {
	RoomID string `json:"room_id"`
}

func (h *Handler) mediaToken(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authorization required"))
		return
	}
	if h.tokens == nil {
		writeJSON(w, http.StatusServiceUnavailable, envelope{
			Status:  "error",
			Message: "media tokens are not configured",
		})
		return
	}
	var req mediaTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeValidationFailed, "invalid request body", err))
		return
	}

	generated, err := h.tokens.Generate(user.ID, strings.TrimSpace(req.RoomID), mediaTokenTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Status:  "success",
		Message: "Token generated successfully",
		Token:   generated,
	})
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authorization required"))
		return
	}
	profiles, err := h.social.DiscoverUsers(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Status:  "success",
		Message: "Users found successfully",
		Data:    profiles,
	})
}

func (h *Handler) listFriends(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authorization required"))
		return
	}
	profiles, err := h.social.ListFriends(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Status:  "success",
		Message: "Friends found successfully",
		Data:    profiles,
	})
}

func (h *Handler) listFriendRequests(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authorization required"))
		return
	}
	requests, err := h.social.ListRequests(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Status:  "success",
		Message: "Friend requests found successfully",
		Data:    requests,
	})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	body := envelope{
		Status:  "error",
		Message: err.Error(),
	}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) && len(domainErr.Metadata) > 0 {
		body.Data = domainErr.Metadata
	}
	writeJSON(w, code.HTTPStatus(), body)
}
