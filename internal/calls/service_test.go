package calls

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/huddle-chat/huddle/internal/errors"
	"github.com/huddle-chat/huddle/internal/presence"
	"github.com/huddle-chat/huddle/internal/storage"
)

type fakeStore struct {
	storage.CallStore
	storage.UserStore

	mu       sync.Mutex
	users    map[string]storage.User
	sessions map[string]storage.CallSession
	order    []string
}

func newFakeStore(users ...storage.User) *fakeStore {
	f := &fakeStore{
		users:    make(map[string]storage.User),
		sessions: make(map[string]storage.CallSession),
	}
	for _, user := range users {
		f.users[user.ID] = user
	}
	return f
}

func (f *fakeStore) GetUser(_ context.Context, userID string) (storage.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) CreateCallSession(_ context.Context, session storage.CallSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.ID] = session
	f.order = append(f.order, session.ID)
	return nil
}

func (f *fakeStore) GetCallSession(_ context.Context, sessionID string) (storage.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return storage.CallSession{}, storage.ErrNotFound
	}
	return session, nil
}

func (f *fakeStore) FindOngoingCall(_ context.Context, kind storage.CallKind, a, b string) (storage.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.order) - 1; i >= 0; i-- {
		session := f.sessions[f.order[i]]
		if session.Kind != kind || session.Status != storage.CallOngoing {
			continue
		}
		if (session.CallerID == a && session.CalleeID == b) || (session.CallerID == b && session.CalleeID == a) {
			return session, nil
		}
	}
	return storage.CallSession{}, storage.ErrNotFound
}

func (f *fakeStore) SettleCall(_ context.Context, sessionID string, verdict storage.CallVerdict, status storage.CallStatus, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	if session.Status != storage.CallOngoing || session.Verdict != storage.VerdictUnset {
		return storage.ErrAlreadySettled
	}
	session.Verdict = verdict
	session.Status = status
	if status == storage.CallEnded {
		session.EndedAt = endedAt
	}
	f.sessions[sessionID] = session
	return nil
}

func (f *fakeStore) EndCall(_ context.Context, sessionID string, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	if session.Status != storage.CallOngoing || session.Verdict != storage.VerdictAccepted {
		return storage.ErrAlreadySettled
	}
	session.Status = storage.CallEnded
	session.EndedAt = endedAt
	f.sessions[sessionID] = session
	return nil
}

func (f *fakeStore) ListCallSessions(_ context.Context, userID string) ([]storage.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sessions []storage.CallSession
	for i := len(f.order) - 1; i >= 0; i-- {
		session := f.sessions[f.order[i]]
		if session.CallerID == userID || session.CalleeID == userID {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

type sentEvent struct {
	userID string
	event  presence.Event
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (r *recordingSender) Send(_ context.Context, userID string, event presence.Event) presence.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentEvent{userID: userID, event: event})
	return presence.Delivered()
}

func (r *recordingSender) eventsFor(userID string) []presence.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []presence.Event
	for _, s := range r.sent {
		if s.userID == userID {
			events = append(events, s.event)
		}
	}
	return events
}

func newTestService(store *fakeStore, sender *recordingSender) *Service {
	svc := NewService(store, store, sender)
	svc.now = func() time.Time {
		return time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)
	}
	var seq int
	var mu sync.Mutex
	svc.newID = func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("call-%d", seq), nil
	}
	return svc
}

func twoUsers() *fakeStore {
	return newFakeStore(
		storage.User{ID: "user-1", FirstName: "Ada", Avatar: "a.png", Status: storage.PresenceOnline},
		storage.User{ID: "user-2", FirstName: "Grace", Avatar: "g.png"},
	)
}

func TestInitiateOpensOngoingSession(t *testing.T) {
	store := twoUsers()
	svc := newTestService(store, &recordingSender{})

	invite, err := svc.Initiate(context.Background(), storage.CallAudio, "user-1", "user-2")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if invite.RoomID == "" || invite.StreamID != "user-2" || invite.UserID != "user-1" {
		t.Fatalf("invite = %+v", invite)
	}
	if invite.Callee.FirstName != "Grace" {
		t.Fatalf("callee = %+v", invite.Callee)
	}

	session := store.sessions[invite.RoomID]
	if session.Status != storage.CallOngoing || session.Verdict != storage.VerdictUnset {
		t.Fatalf("session = %+v", session)
	}
}

func TestInitiateRejectsSelfCall(t *testing.T) {
	svc := newTestService(twoUsers(), &recordingSender{})

	_, err := svc.Initiate(context.Background(), storage.CallVideo, "user-1", "user-1")
	if !apperrors.IsCode(err, apperrors.CodeCallSelf) {
		t.Fatalf("error = %v, want self-call code", err)
	}
}

func TestInitiateUnknownCallee(t *testing.T) {
	svc := newTestService(twoUsers(), &recordingSender{})

	_, err := svc.Initiate(context.Background(), storage.CallAudio, "user-1", "ghost")
	if !apperrors.IsCode(err, apperrors.CodeUserNotFound) {
		t.Fatalf("error = %v, want user-not-found code", err)
	}
}

func TestNotifyPushesNotificationToCallee(t *testing.T) {
	sender := &recordingSender{}
	svc := newTestService(twoUsers(), sender)

	if err := svc.Notify(context.Background(), storage.CallVideo, "user-1", "user-2", "room-9"); err != nil {
		t.Fatalf("notify: %v", err)
	}

	events := sender.eventsFor("user-2")
	if len(events) != 1 || events[0].Type != "video_call_notification" {
		t.Fatalf("callee events = %+v", events)
	}
	notice := events[0].Payload.(Notice)
	if notice.From.ID != "user-1" || notice.RoomID != "room-9" || notice.StreamID != "user-1" {
		t.Fatalf("notice = %+v", notice)
	}
}

func TestResolveNotPickedEndsSessionAndNotifiesCallee(t *testing.T) {
	store := twoUsers()
	sender := &recordingSender{}
	svc := newTestService(store, sender)

	invite, err := svc.Initiate(context.Background(), storage.CallAudio, "user-1", "user-2")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := svc.Resolve(context.Background(), storage.CallAudio, "user-1", "user-2", OutcomeNotPicked); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	session := store.sessions[invite.RoomID]
	if session.Verdict != storage.VerdictMissed || session.Status != storage.CallEnded {
		t.Fatalf("session = %+v", session)
	}
	events := sender.eventsFor("user-2")
	if len(events) != 1 || events[0].Type != "audio_call_missed" {
		t.Fatalf("callee events = %+v", events)
	}
}

func TestResolveAcceptedKeepsSessionOngoingAndNotifiesCaller(t *testing.T) {
	store := twoUsers()
	sender := &recordingSender{}
	svc := newTestService(store, sender)

	invite, err := svc.Initiate(context.Background(), storage.CallVideo, "user-1", "user-2")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := svc.Resolve(context.Background(), storage.CallVideo, "user-1", "user-2", OutcomeAccepted); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	session := store.sessions[invite.RoomID]
	if session.Verdict != storage.VerdictAccepted || session.Status != storage.CallOngoing {
		t.Fatalf("session = %+v", session)
	}
	events := sender.eventsFor("user-1")
	if len(events) != 1 || events[0].Type != "video_call_accepted" {
		t.Fatalf("caller events = %+v", events)
	}
}

func TestResolveRaceSecondOutcomeDropped(t *testing.T) {
	store := twoUsers()
	sender := &recordingSender{}
	svc := newTestService(store, sender)

	invite, err := svc.Initiate(context.Background(), storage.CallAudio, "user-1", "user-2")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := svc.Resolve(context.Background(), storage.CallAudio, "user-1", "user-2", OutcomeDenied); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	sender.sent = nil

	// Racing not_picked arrives after the deny already settled the session.
	if err := svc.Resolve(context.Background(), storage.CallAudio, "user-1", "user-2", OutcomeNotPicked); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no events after dropped resolution, got %+v", sender.sent)
	}
	session := store.sessions[invite.RoomID]
	if session.Verdict != storage.VerdictDenied {
		t.Fatalf("verdict = %q, want Denied", session.Verdict)
	}
}

func TestResolveWithoutOngoingCall(t *testing.T) {
	svc := newTestService(twoUsers(), &recordingSender{})

	err := svc.Resolve(context.Background(), storage.CallAudio, "user-1", "user-2", OutcomeDenied)
	if !apperrors.IsCode(err, apperrors.CodeCallNotFound) {
		t.Fatalf("error = %v, want call-not-found code", err)
	}
}

func TestResolveBusyNotifiesCallerOnAnotherCall(t *testing.T) {
	store := twoUsers()
	sender := &recordingSender{}
	svc := newTestService(store, sender)

	if _, err := svc.Initiate(context.Background(), storage.CallAudio, "user-1", "user-2"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := svc.Resolve(context.Background(), storage.CallAudio, "user-1", "user-2", OutcomeBusy); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	events := sender.eventsFor("user-1")
	if len(events) != 1 || events[0].Type != "on_another_audio_call" {
		t.Fatalf("caller events = %+v", events)
	}
}

func TestEndClosesAcceptedCallAndNotifiesPeer(t *testing.T) {
	store := twoUsers()
	sender := &recordingSender{}
	svc := newTestService(store, sender)

	invite, err := svc.Initiate(context.Background(), storage.CallVideo, "user-1", "user-2")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := svc.Resolve(context.Background(), storage.CallVideo, "user-1", "user-2", OutcomeAccepted); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	sender.sent = nil

	// The callee hangs up; the caller hears about it.
	if err := svc.End(context.Background(), storage.CallVideo, "user-2", "user-1"); err != nil {
		t.Fatalf("end: %v", err)
	}
	session := store.sessions[invite.RoomID]
	if session.Status != storage.CallEnded || session.Verdict != storage.VerdictAccepted {
		t.Fatalf("session = %+v", session)
	}
	events := sender.eventsFor("user-1")
	if len(events) != 1 || events[0].Type != "video_call_ended" {
		t.Fatalf("peer events = %+v", events)
	}
}

func TestEndOnRingingCallIsDropped(t *testing.T) {
	store := twoUsers()
	sender := &recordingSender{}
	svc := newTestService(store, sender)

	invite, err := svc.Initiate(context.Background(), storage.CallAudio, "user-1", "user-2")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sender.sent = nil

	if err := svc.End(context.Background(), storage.CallAudio, "user-1", "user-2"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no events, got %+v", sender.sent)
	}
	if session := store.sessions[invite.RoomID]; session.Status != storage.CallOngoing {
		t.Fatalf("session = %+v", session)
	}
}

func TestLogsMergeKindsNewestFirst(t *testing.T) {
	store := twoUsers()
	svc := newTestService(store, &recordingSender{})

	if _, err := svc.Initiate(context.Background(), storage.CallAudio, "user-1", "user-2"); err != nil {
		t.Fatalf("initiate audio: %v", err)
	}
	if err := svc.Resolve(context.Background(), storage.CallAudio, "user-1", "user-2", OutcomeNotPicked); err != nil {
		t.Fatalf("resolve audio: %v", err)
	}
	if _, err := svc.Initiate(context.Background(), storage.CallVideo, "user-2", "user-1"); err != nil {
		t.Fatalf("initiate video: %v", err)
	}
	if err := svc.Resolve(context.Background(), storage.CallVideo, "user-2", "user-1", OutcomeAccepted); err != nil {
		t.Fatalf("resolve video: %v", err)
	}

	entries, err := svc.Logs(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Kind != storage.CallVideo || !entries[0].Incoming || entries[0].Missed {
		t.Fatalf("newest entry = %+v", entries[0])
	}
	if entries[1].Kind != storage.CallAudio || entries[1].Incoming || !entries[1].Missed {
		t.Fatalf("oldest entry = %+v", entries[1])
	}
	if entries[0].Name != "Grace" || entries[0].Avatar != "g.png" {
		t.Fatalf("peer fields = %+v", entries[0])
	}
}
