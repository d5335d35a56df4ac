// Package calls runs the audio and video call signaling machines. The two
// kinds share one implementation parameterized by kind; every session is kept
// as a permanent log record.
package calls

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	apperrors "github.com/huddle-chat/huddle/internal/errors"
	"github.com/huddle-chat/huddle/internal/platform/id"
	"github.com/huddle-chat/huddle/internal/presence"
	"github.com/huddle-chat/huddle/internal/social"
	"github.com/huddle-chat/huddle/internal/storage"
)

// Outcome is a terminal resolution reported by a client.
type Outcome string

const (
	// OutcomeNotPicked is reported by the caller when ringing times out.
	OutcomeNotPicked Outcome = "not_picked"
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDenied    Outcome = "denied"
	// OutcomeBusy is reported when the callee already has an active call.
	OutcomeBusy Outcome = "busy"
)

// Event names are per kind: audio_call_notification, video_call_missed and
// so on. Busy keeps its historical on_another_*_call shape.
func EventNotification(kind storage.CallKind) string { return string(kind) + "_call_notification" }
func EventMissed(kind storage.CallKind) string       { return string(kind) + "_call_missed" }
func EventAccepted(kind storage.CallKind) string     { return string(kind) + "_call_accepted" }
func EventDenied(kind storage.CallKind) string       { return string(kind) + "_call_denied" }
func EventBusy(kind storage.CallKind) string         { return "on_another_" + string(kind) + "_call" }
func EventEnded(kind storage.CallKind) string        { return string(kind) + "_call_ended" }

// Invite is returned to the caller so it can join the media room.
type Invite struct {
	RoomID   string         `json:"roomID"`
	StreamID string         `json:"streamID"`
	UserID   string         `json:"userID"`
	UserName string         `json:"userName"`
	Callee   social.Profile `json:"callee"`
}

// Notice is pushed to the callee when a call comes in.
type Notice struct {
	From     social.Profile `json:"from"`
	RoomID   string         `json:"roomID"`
	StreamID string         `json:"streamID"`
	UserID   string         `json:"userID"`
	UserName string         `json:"userName"`
}

// Answer is the payload for resolution and termination events.
type Answer struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// LogEntry is one call in a user's history.
type LogEntry struct {
	ID        string           `json:"id"`
	Kind      storage.CallKind `json:"kind"`
	PeerID    string           `json:"peerId"`
	Name      string           `json:"name"`
	Avatar    string           `json:"img"`
	Online    bool             `json:"online"`
	Incoming  bool             `json:"incoming"`
	Missed    bool             `json:"missed"`
	StartedAt time.Time        `json:"startedAt"`
}

// Service coordinates call sessions for both kinds.
type Service struct {
	store  storage.CallStore
	users  storage.UserStore
	sender presence.Sender

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now   func() time.Time
	newID func() (string, error)
}

// NewService creates the call service.
func NewService(store storage.CallStore, users storage.UserStore, sender presence.Sender) *Service {
	return &Service{
		store:  store,
		users:  users,
		sender: sender,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
		newID:  id.NewID,
	}
}

// lockPair serializes resolutions per kind and unordered pair. The store's
// guarded update is the cross-process backstop.
func (s *Service) lockPair(kind storage.CallKind, a, b string) func() {
	if b < a {
		a, b = b, a
	}
	key := string(kind) + "\x00" + a + "\x00" + b

	s.mu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func validKind(kind storage.CallKind) bool {
	return kind == storage.CallAudio || kind == storage.CallVideo
}

// Initiate opens a new Ongoing session and returns the join data for the
// caller. The callee is not notified here; the caller follows up with the
// start_*_call event once it has joined the media room.
func (s *Service) Initiate(ctx context.Context, kind storage.CallKind, callerID, calleeID string) (Invite, error) {
	callerID = strings.TrimSpace(callerID)
	calleeID = strings.TrimSpace(calleeID)
	if !validKind(kind) {
		return Invite{}, apperrors.New(apperrors.CodeCallInvalidKind, fmt.Sprintf("call kind %q is invalid", kind))
	}
	if callerID == "" || calleeID == "" {
		return Invite{}, apperrors.New(apperrors.CodeUserIDEmpty, "caller and callee ids are required")
	}
	if callerID == calleeID {
		return Invite{}, apperrors.New(apperrors.CodeCallSelf, "cannot call yourself")
	}

	caller, err := s.users.GetUser(ctx, callerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Invite{}, apperrors.New(apperrors.CodeUserNotFound, "caller not found")
		}
		return Invite{}, fmt.Errorf("load caller: %w", err)
	}
	callee, err := s.users.GetUser(ctx, calleeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Invite{}, apperrors.WithMetadata(apperrors.CodeUserNotFound, "callee not found", map[string]string{
				"user_id": calleeID,
			})
		}
		return Invite{}, fmt.Errorf("load callee: %w", err)
	}

	sessionID, err := s.newID()
	if err != nil {
		return Invite{}, fmt.Errorf("generate session id: %w", err)
	}
	session := storage.CallSession{
		ID:        sessionID,
		Kind:      kind,
		CallerID:  callerID,
		CalleeID:  calleeID,
		Status:    storage.CallOngoing,
		StartedAt: s.now().UTC(),
	}
	if err := s.store.CreateCallSession(ctx, session); err != nil {
		return Invite{}, fmt.Errorf("create call session: %w", err)
	}

	return Invite{
		RoomID:   session.ID,
		StreamID: calleeID,
		UserID:   callerID,
		UserName: caller.FirstName,
		Callee:   social.ProfileOf(callee),
	}, nil
}

// Notify pushes the incoming-call notification to the callee. An offline or
// unknown callee is logged and dropped; ringing timeout on the caller side
// turns that into a missed call.
func (s *Service) Notify(ctx context.Context, kind storage.CallKind, callerID, calleeID, roomID string) error {
	callerID = strings.TrimSpace(callerID)
	calleeID = strings.TrimSpace(calleeID)
	if !validKind(kind) {
		return apperrors.New(apperrors.CodeCallInvalidKind, fmt.Sprintf("call kind %q is invalid", kind))
	}
	if callerID == "" || calleeID == "" {
		return apperrors.New(apperrors.CodeUserIDEmpty, "caller and callee ids are required")
	}

	caller, err := s.users.GetUser(ctx, callerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeUserNotFound, "caller not found")
		}
		return fmt.Errorf("load caller: %w", err)
	}

	s.push(ctx, calleeID, presence.Event{Type: EventNotification(kind), Payload: Notice{
		From:     social.ProfileOf(caller),
		RoomID:   roomID,
		StreamID: callerID,
		UserID:   calleeID,
		UserName: caller.FirstName,
	}})
	return nil
}

// Resolve settles the ongoing session for the pair with the reported outcome
// and notifies the counterparty. Acceptance keeps the session Ongoing until
// either side ends it; every other outcome ends it immediately. A session
// that was already settled by a racing resolution is logged and dropped.
func (s *Service) Resolve(ctx context.Context, kind storage.CallKind, callerID, calleeID string, outcome Outcome) error {
	callerID = strings.TrimSpace(callerID)
	calleeID = strings.TrimSpace(calleeID)
	if !validKind(kind) {
		return apperrors.New(apperrors.CodeCallInvalidKind, fmt.Sprintf("call kind %q is invalid", kind))
	}
	if callerID == "" || calleeID == "" {
		return apperrors.New(apperrors.CodeUserIDEmpty, "caller and callee ids are required")
	}

	var (
		verdict storage.CallVerdict
		status  storage.CallStatus
		event   string
		target  string
	)
	switch outcome {
	case OutcomeNotPicked:
		verdict, status = storage.VerdictMissed, storage.CallEnded
		event, target = EventMissed(kind), calleeID
	case OutcomeAccepted:
		verdict, status = storage.VerdictAccepted, storage.CallOngoing
		event, target = EventAccepted(kind), callerID
	case OutcomeDenied:
		verdict, status = storage.VerdictDenied, storage.CallEnded
		event, target = EventDenied(kind), callerID
	case OutcomeBusy:
		verdict, status = storage.VerdictBusy, storage.CallEnded
		event, target = EventBusy(kind), callerID
	default:
		return apperrors.New(apperrors.CodeCallInvalidOutcome, fmt.Sprintf("outcome %q is invalid", outcome))
	}

	unlock := s.lockPair(kind, callerID, calleeID)
	defer unlock()

	session, err := s.store.FindOngoingCall(ctx, kind, callerID, calleeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeCallNotFound, "no ongoing call for pair")
		}
		return fmt.Errorf("find ongoing call: %w", err)
	}
	if err := s.store.SettleCall(ctx, session.ID, verdict, status, s.now().UTC()); err != nil {
		if errors.Is(err, storage.ErrAlreadySettled) {
			log.Printf("calls: %s resolution for session %s lost the race, dropping", outcome, session.ID)
			return nil
		}
		return fmt.Errorf("settle call: %w", err)
	}

	s.push(ctx, target, presence.Event{Type: event, Payload: Answer{From: callerID, To: calleeID}})
	return nil
}

// End closes an accepted ongoing call from fromID's side and notifies toID.
// Ending a call that already ended is logged and dropped.
func (s *Service) End(ctx context.Context, kind storage.CallKind, fromID, toID string) error {
	fromID = strings.TrimSpace(fromID)
	toID = strings.TrimSpace(toID)
	if !validKind(kind) {
		return apperrors.New(apperrors.CodeCallInvalidKind, fmt.Sprintf("call kind %q is invalid", kind))
	}
	if fromID == "" || toID == "" {
		return apperrors.New(apperrors.CodeUserIDEmpty, "both participant ids are required")
	}

	unlock := s.lockPair(kind, fromID, toID)
	defer unlock()

	session, err := s.store.FindOngoingCall(ctx, kind, fromID, toID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeCallNotFound, "no ongoing call for pair")
		}
		return fmt.Errorf("find ongoing call: %w", err)
	}
	if err := s.store.EndCall(ctx, session.ID, s.now().UTC()); err != nil {
		if errors.Is(err, storage.ErrAlreadySettled) {
			log.Printf("calls: end for session %s lost the race, dropping", session.ID)
			return nil
		}
		return fmt.Errorf("end call: %w", err)
	}

	s.push(ctx, toID, presence.Event{Type: EventEnded(kind), Payload: Answer{From: fromID, To: toID}})
	return nil
}

// Logs returns the user's call history, newest first, both kinds merged.
// A call counts as missed unless it was accepted.
func (s *Service) Logs(ctx context.Context, userID string) ([]LogEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.New(apperrors.CodeUserIDEmpty, "user id is required")
	}

	sessions, err := s.store.ListCallSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list call sessions: %w", err)
	}
	entries := make([]LogEntry, 0, len(sessions))
	for _, session := range sessions {
		peerID := session.CallerID
		incoming := true
		if session.CallerID == userID {
			peerID = session.CalleeID
			incoming = false
		}
		entry := LogEntry{
			ID:        session.ID,
			Kind:      session.Kind,
			PeerID:    peerID,
			Incoming:  incoming,
			Missed:    session.Verdict != storage.VerdictAccepted,
			StartedAt: session.StartedAt,
		}
		peer, err := s.users.GetUser(ctx, peerID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("load peer: %w", err)
			}
		} else {
			entry.Name = peer.FirstName
			entry.Avatar = peer.Avatar
			entry.Online = peer.Status == storage.PresenceOnline
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Service) push(ctx context.Context, userID string, event presence.Event) {
	if s.sender == nil {
		return
	}
	if delivery := s.sender.Send(ctx, userID, event); !delivery.Delivered {
		log.Printf("calls: %s to %s skipped: %s", event.Type, userID, delivery.Reason)
	}
}
