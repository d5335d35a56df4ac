// Package social manages the friendship graph and its request state machine.
package social

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	apperrors "github.com/huddle-chat/huddle/internal/errors"
	"github.com/huddle-chat/huddle/internal/platform/id"
	"github.com/huddle-chat/huddle/internal/presence"
	"github.com/huddle-chat/huddle/internal/storage"
)

// Live-channel event names pushed by this service.
const (
	EventNewFriendRequest = "new_friend_request"
	EventRequestSent      = "request_sent"
	EventRequestAccepted  = "request_accepted"
)

// Profile is the user shape exposed to other users. Credentials and volatile
// connection state stay out.
type Profile struct {
	ID        string                 `json:"id"`
	FirstName string                 `json:"firstName"`
	LastName  string                 `json:"lastName"`
	Email     string                 `json:"email"`
	Avatar    string                 `json:"avatar"`
	About     string                 `json:"about"`
	Status    storage.PresenceStatus `json:"status"`
}

// ProfileOf projects a stored user onto its public shape.
func ProfileOf(user storage.User) Profile {
	return Profile{
		ID:        user.ID,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Email:     user.Email,
		Avatar:    user.Avatar,
		About:     user.About,
		Status:    user.Status,
	}
}

// RequestView is a pending friend request with its sender populated.
type RequestView struct {
	ID        string    `json:"id"`
	Sender    Profile   `json:"sender"`
	CreatedAt time.Time `json:"createdAt"`
}

// RequestNotice is pushed to the recipient when a request arrives.
type RequestNotice struct {
	RequestID string  `json:"requestId"`
	Sender    Profile `json:"sender"`
	Message   string  `json:"message"`
}

// RequestReceipt is pushed back to the sender after a request is stored.
type RequestReceipt struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

// AcceptanceNotice is pushed to both parties when a request is accepted.
type AcceptanceNotice struct {
	RequestID string  `json:"requestId"`
	Friend    Profile `json:"friend"`
	Message   string  `json:"message"`
}

// Service runs the friend-request state machine. Requests have a single
// Pending state; the only transition is acceptance, which removes the request
// and writes the symmetric friendship.
type Service struct {
	users    storage.UserStore
	requests storage.FriendRequestStore
	sender   presence.Sender

	now   func() time.Time
	newID func() (string, error)
}

// NewService creates the social service.
func NewService(users storage.UserStore, requests storage.FriendRequestStore, sender presence.Sender) *Service {
	return &Service{
		users:    users,
		requests: requests,
		sender:   sender,
		now:      time.Now,
		newID:    id.NewID,
	}
}

// CreateRequest stores a new Pending request from sender to recipient and
// notifies both parties on their live connections. Repeated requests for the
// same pair each insert a fresh record; the log stays append-only until one
// of them is accepted.
func (s *Service) CreateRequest(ctx context.Context, senderID, recipientID string) (storage.FriendRequest, error) {
	senderID = strings.TrimSpace(senderID)
	recipientID = strings.TrimSpace(recipientID)
	if senderID == "" || recipientID == "" {
		return storage.FriendRequest{}, apperrors.New(apperrors.CodeUserIDEmpty, "sender and recipient ids are required")
	}
	if senderID == recipientID {
		return storage.FriendRequest{}, apperrors.New(apperrors.CodeFriendRequestSelf, "cannot send a friend request to yourself")
	}

	from, err := s.users.GetUser(ctx, senderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.FriendRequest{}, apperrors.New(apperrors.CodeUserNotFound, "sender not found")
		}
		return storage.FriendRequest{}, fmt.Errorf("load sender: %w", err)
	}
	if _, err := s.users.GetUser(ctx, recipientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.FriendRequest{}, apperrors.New(apperrors.CodeUserNotFound, "recipient not found")
		}
		return storage.FriendRequest{}, fmt.Errorf("load recipient: %w", err)
	}

	requestID, err := s.newID()
	if err != nil {
		return storage.FriendRequest{}, fmt.Errorf("generate request id: %w", err)
	}
	request := storage.FriendRequest{
		ID:          requestID,
		SenderID:    senderID,
		RecipientID: recipientID,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.requests.CreateFriendRequest(ctx, request); err != nil {
		return storage.FriendRequest{}, fmt.Errorf("create friend request: %w", err)
	}

	s.push(ctx, recipientID, presence.Event{Type: EventNewFriendRequest, Payload: RequestNotice{
		RequestID: request.ID,
		Sender:    ProfileOf(from),
		Message:   "New friend request received",
	}})
	s.push(ctx, senderID, presence.Event{Type: EventRequestSent, Payload: RequestReceipt{
		RequestID: request.ID,
		Message:   "Request sent successfully",
	}})
	return request, nil
}

// AcceptRequest resolves a pending request: both friendship edges are written
// in one transaction, the request record is removed, and both parties are
// notified. Accepting a request that no longer exists returns a not-found
// error the caller is expected to log and drop.
func (s *Service) AcceptRequest(ctx context.Context, requestID string) (storage.FriendRequest, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return storage.FriendRequest{}, apperrors.New(apperrors.CodeValidationFailed, "request id is required")
	}

	request, err := s.requests.GetFriendRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.FriendRequest{}, apperrors.New(apperrors.CodeFriendRequestNotFound, "friend request not found")
		}
		return storage.FriendRequest{}, fmt.Errorf("load friend request: %w", err)
	}

	if err := s.users.AddFriends(ctx, request.SenderID, request.RecipientID); err != nil {
		return storage.FriendRequest{}, fmt.Errorf("add friends: %w", err)
	}
	if err := s.requests.DeleteFriendRequest(ctx, request.ID); err != nil {
		return storage.FriendRequest{}, fmt.Errorf("delete friend request: %w", err)
	}

	sender, senderErr := s.users.GetUser(ctx, request.SenderID)
	recipient, recipientErr := s.users.GetUser(ctx, request.RecipientID)
	if senderErr == nil {
		s.push(ctx, request.RecipientID, presence.Event{Type: EventRequestAccepted, Payload: AcceptanceNotice{
			RequestID: request.ID,
			Friend:    ProfileOf(sender),
			Message:   "Friend request accepted",
		}})
	}
	if recipientErr == nil {
		s.push(ctx, request.SenderID, presence.Event{Type: EventRequestAccepted, Payload: AcceptanceNotice{
			RequestID: request.ID,
			Friend:    ProfileOf(recipient),
			Message:   "Friend request accepted",
		}})
	}
	return request, nil
}

// ListRequests returns pending requests addressed to recipientID with sender
// profiles populated. Requests whose sender vanished are skipped.
func (s *Service) ListRequests(ctx context.Context, recipientID string) ([]RequestView, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, apperrors.New(apperrors.CodeUserIDEmpty, "recipient id is required")
	}

	requests, err := s.requests.ListFriendRequests(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list friend requests: %w", err)
	}
	views := make([]RequestView, 0, len(requests))
	for _, request := range requests {
		from, err := s.users.GetUser(ctx, request.SenderID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				log.Printf("social: request %s references missing sender %s", request.ID, request.SenderID)
				continue
			}
			return nil, fmt.Errorf("load sender: %w", err)
		}
		views = append(views, RequestView{
			ID:        request.ID,
			Sender:    ProfileOf(from),
			CreatedAt: request.CreatedAt,
		})
	}
	return views, nil
}

// ListFriends returns the user's friends as public profiles.
func (s *Service) ListFriends(ctx context.Context, userID string) ([]Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.New(apperrors.CodeUserIDEmpty, "user id is required")
	}
	friends, err := s.users.ListFriends(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	profiles := make([]Profile, 0, len(friends))
	for _, friend := range friends {
		profiles = append(profiles, ProfileOf(friend))
	}
	return profiles, nil
}

// DiscoverUsers returns verified users the given user is not yet friends with.
func (s *Service) DiscoverUsers(ctx context.Context, userID string) ([]Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.New(apperrors.CodeUserIDEmpty, "user id is required")
	}
	users, err := s.users.ListUsers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	profiles := make([]Profile, 0, len(users))
	for _, user := range users {
		profiles = append(profiles, ProfileOf(user))
	}
	return profiles, nil
}

func (s *Service) push(ctx context.Context, userID string, event presence.Event) {
	if s.sender == nil {
		return
	}
	if delivery := s.sender.Send(ctx, userID, event); !delivery.Delivered {
		log.Printf("social: %s to %s skipped: %s", event.Type, userID, delivery.Reason)
	}
}
