package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/huddle-chat/huddle/internal/storage"
)

const userColumns = `id, first_name, last_name, email, avatar, about, verified,
	 connection_id, status, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (storage.User, error) {
	var (
		user      storage.User
		verified  int64
		status    string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&user.ID,
		&user.FirstName,
		&user.LastName,
		&user.Email,
		&user.Avatar,
		&user.About,
		&verified,
		&user.ConnectionID,
		&status,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return storage.User{}, err
	}
	user.Verified = verified != 0
	user.Status = storage.PresenceStatus(status)
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return user, nil
}

// PutUser upserts one user identity record.
func (s *Store) PutUser(ctx context.Context, user storage.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	userID := strings.TrimSpace(user.ID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	status := user.Status
	if status == "" {
		status = storage.PresenceOffline
	}

	verified := 0
	if user.Verified {
		verified = 1
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO users (id, first_name, last_name, email, avatar, about, verified,
		   connection_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   first_name = excluded.first_name,
		   last_name = excluded.last_name,
		   email = excluded.email,
		   avatar = excluded.avatar,
		   about = excluded.about,
		   verified = excluded.verified,
		   updated_at = excluded.updated_at`,
		userID,
		user.FirstName,
		user.LastName,
		user.Email,
		user.Avatar,
		user.About,
		verified,
		user.ConnectionID,
		string(status),
		toMillis(user.CreatedAt),
		toMillis(user.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// GetUser returns one user identity record.
func (s *Store) GetUser(ctx context.Context, userID string) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	if err := s.ready(); err != nil {
		return storage.User{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.User{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`,
		userID,
	)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrNotFound
		}
		return storage.User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// SetPresence persists the presence status and, when connectionID is
// non-empty, the live connection reference. Detach keeps the stored
// connection id in place.
func (s *Store) SetPresence(ctx context.Context, userID string, connectionID string, status storage.PresenceStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if status != storage.PresenceOnline && status != storage.PresenceOffline {
		return fmt.Errorf("presence status %q is invalid", status)
	}

	var (
		result sql.Result
		err    error
	)
	if strings.TrimSpace(connectionID) == "" {
		result, err = s.sqlDB.ExecContext(
			ctx,
			`UPDATE users SET status = ? WHERE id = ?`,
			string(status),
			userID,
		)
	} else {
		result, err = s.sqlDB.ExecContext(
			ctx,
			`UPDATE users SET connection_id = ?, status = ? WHERE id = ?`,
			strings.TrimSpace(connectionID),
			string(status),
			userID,
		)
	}
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AddFriends writes both directions of a friendship in one transaction.
func (s *Store) AddFriends(ctx context.Context, userID string, friendID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	friendID = strings.TrimSpace(friendID)
	if userID == "" || friendID == "" {
		return fmt.Errorf("both user ids are required")
	}
	if userID == friendID {
		return fmt.Errorf("friend id must differ from user id")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add friends: %w", err)
	}
	now := toMillis(timeNow())
	for _, pair := range [][2]string{{userID, friendID}, {friendID, userID}} {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO friendships (owner_user_id, friend_user_id, created_at)
			 VALUES (?, ?, ?)`,
			pair[0],
			pair[1],
			now,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("add friends: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add friends: %w", err)
	}
	return nil
}

// ListFriends returns the users in the given user's friend set.
func (s *Store) ListFriends(ctx context.Context, userID string) ([]storage.User, error) {
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
		`SELECT `+userColumns+`
		 FROM users
		 WHERE id IN (SELECT friend_user_id FROM friendships WHERE owner_user_id = ?)
		 ORDER BY first_name ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	defer rows.Close()

	var friends []storage.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("list friends: %w", err)
		}
		friends = append(friends, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	return friends, nil
}

// ListUsers returns verified users excluding the given user and their friends.
func (s *Store) ListUsers(ctx context.Context, excludingUserID string) ([]storage.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	excludingUserID = strings.TrimSpace(excludingUserID)
	if excludingUserID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+userColumns+`
		 FROM users
		 WHERE verified = 1
		   AND id != ?
		   AND id NOT IN (SELECT friend_user_id FROM friendships WHERE owner_user_id = ?)
		 ORDER BY first_name ASC, id ASC`,
		excludingUserID,
		excludingUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []storage.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}
