package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/huddle-chat/huddle/internal/storage"
)

// CreateFriendRequest inserts one pending friend request.
func (s *Store) CreateFriendRequest(ctx context.Context, request storage.FriendRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	requestID := strings.TrimSpace(request.ID)
	senderID := strings.TrimSpace(request.SenderID)
	recipientID := strings.TrimSpace(request.RecipientID)
	if requestID == "" {
		return fmt.Errorf("request id is required")
	}
	if senderID == "" || recipientID == "" {
		return fmt.Errorf("sender and recipient ids are required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO friend_requests (id, sender_id, recipient_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		requestID,
		senderID,
		recipientID,
		toMillis(request.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create friend request: %w", err)
	}
	return nil
}

// GetFriendRequest returns one pending friend request by id.
func (s *Store) GetFriendRequest(ctx context.Context, requestID string) (storage.FriendRequest, error) {
	if err := ctx.Err(); err != nil {
		return storage.FriendRequest{}, err
	}
	if err := s.ready(); err != nil {
		return storage.FriendRequest{}, err
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return storage.FriendRequest{}, fmt.Errorf("request id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, sender_id, recipient_id, created_at
		 FROM friend_requests
		 WHERE id = ?`,
		requestID,
	)
	var (
		request   storage.FriendRequest
		createdAt int64
	)
	err := row.Scan(&request.ID, &request.SenderID, &request.RecipientID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.FriendRequest{}, storage.ErrNotFound
		}
		return storage.FriendRequest{}, fmt.Errorf("get friend request: %w", err)
	}
	request.CreatedAt = fromMillis(createdAt)
	return request, nil
}

// DeleteFriendRequest removes one friend request.
func (s *Store) DeleteFriendRequest(ctx context.Context, requestID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return fmt.Errorf("request id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM friend_requests WHERE id = ?`,
		requestID,
	)
	if err != nil {
		return fmt.Errorf("delete friend request: %w", err)
	}
	return nil
}

// ListFriendRequests returns pending requests addressed to one recipient.
func (s *Store) ListFriendRequests(ctx context.Context, recipientID string) ([]storage.FriendRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, fmt.Errorf("recipient id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, sender_id, recipient_id, created_at
		 FROM friend_requests
		 WHERE recipient_id = ?
		 ORDER BY created_at ASC, id ASC`,
		recipientID,
	)
	if err != nil {
		return nil, fmt.Errorf("list friend requests: %w", err)
	}
	defer rows.Close()

	var requests []storage.FriendRequest
	for rows.Next() {
		var (
			request   storage.FriendRequest
			createdAt int64
		)
		if err := rows.Scan(&request.ID, &request.SenderID, &request.RecipientID, &createdAt); err != nil {
			return nil, fmt.Errorf("list friend requests: %w", err)
		}
		request.CreatedAt = fromMillis(createdAt)
		requests = append(requests, request)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list friend requests: %w", err)
	}
	return requests, nil
}
