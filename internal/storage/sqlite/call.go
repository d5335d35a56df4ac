package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/huddle-chat/huddle/internal/storage"
)

const callColumns = `id, kind, caller_id, callee_id, verdict, status, started_at, ended_at`

func scanCallSession(row interface{ Scan(...any) error }) (storage.CallSession, error) {
	var (
		session   storage.CallSession
		kind      string
		verdict   string
		status    string
		startedAt int64
		endedAt   sql.NullInt64
	)
	err := row.Scan(
		&session.ID,
		&kind,
		&session.CallerID,
		&session.CalleeID,
		&verdict,
		&status,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		return storage.CallSession{}, err
	}
	session.Kind = storage.CallKind(kind)
	session.Verdict = storage.CallVerdict(verdict)
	session.Status = storage.CallStatus(status)
	session.StartedAt = fromMillis(startedAt)
	if endedAt.Valid {
		session.EndedAt = fromMillis(endedAt.Int64)
	}
	return session, nil
}

// CreateCallSession inserts one Ongoing call session record.
func (s *Store) CreateCallSession(ctx context.Context, session storage.CallSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	sessionID := strings.TrimSpace(session.ID)
	callerID := strings.TrimSpace(session.CallerID)
	calleeID := strings.TrimSpace(session.CalleeID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if callerID == "" || calleeID == "" {
		return fmt.Errorf("caller and callee ids are required")
	}
	if session.Kind != storage.CallAudio && session.Kind != storage.CallVideo {
		return fmt.Errorf("call kind %q is invalid", session.Kind)
	}
	status := session.Status
	if status == "" {
		status = storage.CallOngoing
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO call_sessions (id, kind, caller_id, callee_id, verdict, status, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		sessionID,
		string(session.Kind),
		callerID,
		calleeID,
		string(session.Verdict),
		string(status),
		toMillis(session.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("create call session: %w", err)
	}
	return nil
}

// GetCallSession returns one call session by id.
func (s *Store) GetCallSession(ctx context.Context, sessionID string) (storage.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return storage.CallSession{}, err
	}
	if err := s.ready(); err != nil {
		return storage.CallSession{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return storage.CallSession{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+callColumns+` FROM call_sessions WHERE id = ?`,
		sessionID,
	)
	session, err := scanCallSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CallSession{}, storage.ErrNotFound
		}
		return storage.CallSession{}, fmt.Errorf("get call session: %w", err)
	}
	return session, nil
}

// FindOngoingCall locates the Ongoing session for an unordered participant
// pair and kind, whether still ringing or already accepted. The newest
// session wins when stale rows linger from abandoned attempts.
func (s *Store) FindOngoingCall(ctx context.Context, kind storage.CallKind, userA string, userB string) (storage.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return storage.CallSession{}, err
	}
	if err := s.ready(); err != nil {
		return storage.CallSession{}, err
	}
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return storage.CallSession{}, fmt.Errorf("both participant ids are required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+callColumns+`
		 FROM call_sessions
		 WHERE kind = ?
		   AND status = ?
		   AND ((caller_id = ? AND callee_id = ?) OR (caller_id = ? AND callee_id = ?))
		 ORDER BY started_at DESC, rowid DESC
		 LIMIT 1`,
		string(kind),
		string(storage.CallOngoing),
		userA, userB,
		userB, userA,
	)
	session, err := scanCallSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CallSession{}, storage.ErrNotFound
		}
		return storage.CallSession{}, fmt.Errorf("find ongoing call: %w", err)
	}
	return session, nil
}

// SettleCall records a terminal verdict. The WHERE clause is the optimistic
// guard: only a session still Ongoing with an unset verdict transitions.
func (s *Store) SettleCall(ctx context.Context, sessionID string, verdict storage.CallVerdict, status storage.CallStatus, endedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	switch verdict {
	case storage.VerdictAccepted, storage.VerdictDenied, storage.VerdictMissed, storage.VerdictBusy:
	default:
		return fmt.Errorf("verdict %q is invalid", verdict)
	}
	if status != storage.CallOngoing && status != storage.CallEnded {
		return fmt.Errorf("status %q is invalid", status)
	}

	var endedAtValue any
	if status == storage.CallEnded {
		endedAtValue = toMillis(endedAt)
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE call_sessions
		 SET verdict = ?, status = ?, ended_at = ?
		 WHERE id = ? AND status = ? AND verdict = ''`,
		string(verdict),
		string(status),
		endedAtValue,
		sessionID,
		string(storage.CallOngoing),
	)
	if err != nil {
		return fmt.Errorf("settle call: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle call: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetCallSession(ctx, sessionID); getErr != nil {
			return getErr
		}
		return storage.ErrAlreadySettled
	}
	return nil
}

// EndCall closes an accepted ongoing session and stamps its end time.
func (s *Store) EndCall(ctx context.Context, sessionID string, endedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE call_sessions
		 SET status = ?, ended_at = ?
		 WHERE id = ? AND status = ? AND verdict = ?`,
		string(storage.CallEnded),
		toMillis(endedAt),
		sessionID,
		string(storage.CallOngoing),
		string(storage.VerdictAccepted),
	)
	if err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetCallSession(ctx, sessionID); getErr != nil {
			return getErr
		}
		return storage.ErrAlreadySettled
	}
	return nil
}

// ListCallSessions returns both kinds merged, newest first.
func (s *Store) ListCallSessions(ctx context.Context, userID string) ([]storage.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+callColumns+`
		 FROM call_sessions
		 WHERE caller_id = ? OR callee_id = ?
		 ORDER BY started_at DESC, rowid DESC`,
		userID,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list call sessions: %w", err)
	}
	defer rows.Close()

	var sessions []storage.CallSession
	for rows.Next() {
		session, err := scanCallSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list call sessions: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list call sessions: %w", err)
	}
	return sessions, nil
}
