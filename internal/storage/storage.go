// Package storage defines persistence contracts for coordinator state.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrAlreadySettled indicates a call session already reached a terminal
// verdict and refuses a second transition.
var ErrAlreadySettled = errors.New("call session already settled")

// PresenceStatus describes whether a user currently has a live connection.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "Online"
	PresenceOffline PresenceStatus = "Offline"
)

// User stores one durable user identity with its volatile connection mapping.
//
// ConnectionID is a weak reference to a live connection: the registry writes
// it on attach and deliberately leaves it in place on detach.
type User struct {
	ID           string
	FirstName    string
	LastName     string
	Email        string
	Avatar       string
	About        string
	Verified     bool
	ConnectionID string
	Status       PresenceStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FriendRequest stores one pending social connection request.
type FriendRequest struct {
	ID          string
	SenderID    string
	RecipientID string
	CreatedAt   time.Time
}

// MessageKind classifies a direct message payload.
type MessageKind string

const (
	MessageText MessageKind = "text"
	MessageLink MessageKind = "link"
	MessageFile MessageKind = "file"
)

// Message stores one direct message inside a conversation.
type Message struct {
	ID             string
	ConversationID string
	FromID         string
	ToID           string
	Kind           MessageKind
	Body           string
	CreatedAt      time.Time
}

// Conversation stores the durable two-party channel. Participants are fixed
// at creation and unordered.
type Conversation struct {
	ID           string
	Participants [2]string
	CreatedAt    time.Time
}

// CallKind distinguishes the two parallel call signaling machines.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// CallVerdict classifies the outcome of a call session. The empty verdict
// means the call has not been answered or abandoned yet.
type CallVerdict string

const (
	VerdictUnset    CallVerdict = ""
	VerdictAccepted CallVerdict = "Accepted"
	VerdictDenied   CallVerdict = "Denied"
	VerdictMissed   CallVerdict = "Missed"
	VerdictBusy     CallVerdict = "Busy"
)

// CallStatus tracks the session lifecycle. Transitions Ongoing to Ended
// exactly once.
type CallStatus string

const (
	CallOngoing CallStatus = "Ongoing"
	CallEnded   CallStatus = "Ended"
)

// CallSession stores one audio or video call attempt as a permanent log record.
type CallSession struct {
	ID        string
	Kind      CallKind
	CallerID  string
	CalleeID  string
	Verdict   CallVerdict
	Status    CallStatus
	StartedAt time.Time
	EndedAt   time.Time
}

// UserStore persists user identities and the derived presence mapping.
type UserStore interface {
	PutUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, userID string) (User, error)
	// SetPresence persists the presence status and, when connectionID is
	// non-empty, the live connection reference. An empty connectionID keeps
	// the stored reference untouched.
	SetPresence(ctx context.Context, userID string, connectionID string, status PresenceStatus) error
	// AddFriends applies the symmetric friendship mutation for both users in
	// one transaction: both sides are written or neither is.
	AddFriends(ctx context.Context, userID string, friendID string) error
	ListFriends(ctx context.Context, userID string) ([]User, error)
	// ListUsers returns verified users excluding the given user and anyone
	// already in their friend set.
	ListUsers(ctx context.Context, excludingUserID string) ([]User, error)
}

// FriendRequestStore persists pending friend requests.
type FriendRequestStore interface {
	CreateFriendRequest(ctx context.Context, request FriendRequest) error
	GetFriendRequest(ctx context.Context, requestID string) (FriendRequest, error)
	DeleteFriendRequest(ctx context.Context, requestID string) error
	ListFriendRequests(ctx context.Context, recipientID string) ([]FriendRequest, error)
}

// ConversationStore persists conversations and their ordered message logs.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conversation Conversation) error
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	FindConversationByParticipants(ctx context.Context, userA string, userB string) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	AppendMessage(ctx context.Context, message Message) error
	// ListMessages returns messages in append order.
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// CallStore persists call sessions for both kinds.
type CallStore interface {
	CreateCallSession(ctx context.Context, session CallSession) error
	GetCallSession(ctx context.Context, sessionID string) (CallSession, error)
	// FindOngoingCall locates the newest Ongoing session for the unordered
	// participant pair and kind, ringing or already accepted.
	FindOngoingCall(ctx context.Context, kind CallKind, userA string, userB string) (CallSession, error)
	// SettleCall records the terminal verdict. The update is guarded: only a
	// session still Ongoing with an unset verdict transitions; otherwise
	// ErrAlreadySettled is returned.
	SettleCall(ctx context.Context, sessionID string, verdict CallVerdict, status CallStatus, endedAt time.Time) error
	// EndCall closes an accepted ongoing session.
	EndCall(ctx context.Context, sessionID string, endedAt time.Time) error
	// ListCallSessions returns both kinds merged, newest first.
	ListCallSessions(ctx context.Context, userID string) ([]CallSession, error)
}

// Store aggregates every persistence contract the coordinator consumes.
type Store interface {
	UserStore
	FriendRequestStore
	ConversationStore
	CallStore
}
