package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/huddle-chat/huddle/internal/storage"
)

// orderPair normalizes an unordered participant pair for the unique index.
func orderPair(a string, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// CreateConversation inserts one two-party conversation. The normalized pair
// is unique, so a concurrent duplicate insert surfaces as an error.
func (s *Store) CreateConversation(ctx context.Context, conversation storage.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	conversationID := strings.TrimSpace(conversation.ID)
	participantA := strings.TrimSpace(conversation.Participants[0])
	participantB := strings.TrimSpace(conversation.Participants[1])
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if participantA == "" || participantB == "" {
		return fmt.Errorf("both participant ids are required")
	}
	if participantA == participantB {
		return fmt.Errorf("participants must differ")
	}

	low, high := orderPair(participantA, participantB)
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO conversations (id, participant_low, participant_high, created_at)
		 VALUES (?, ?, ?, ?)`,
		conversationID,
		low,
		high,
		toMillis(conversation.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation returns one conversation by id.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (storage.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return storage.Conversation{}, err
	}
	if err := s.ready(); err != nil {
		return storage.Conversation{}, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return storage.Conversation{}, fmt.Errorf("conversation id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, participant_low, participant_high, created_at
		 FROM conversations
		 WHERE id = ?`,
		conversationID,
	)
	return scanConversation(row)
}

// FindConversationByParticipants returns the conversation for an unordered pair.
func (s *Store) FindConversationByParticipants(ctx context.Context, userA string, userB string) (storage.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return storage.Conversation{}, err
	}
	if err := s.ready(); err != nil {
		return storage.Conversation{}, err
	}
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return storage.Conversation{}, fmt.Errorf("both participant ids are required")
	}

	low, high := orderPair(userA, userB)
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, participant_low, participant_high, created_at
		 FROM conversations
		 WHERE participant_low = ? AND participant_high = ?`,
		low,
		high,
	)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (storage.Conversation, error) {
	var (
		conversation storage.Conversation
		createdAt    int64
	)
	err := row.Scan(
		&conversation.ID,
		&conversation.Participants[0],
		&conversation.Participants[1],
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Conversation{}, storage.ErrNotFound
		}
		return storage.Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	conversation.CreatedAt = fromMillis(createdAt)
	return conversation, nil
}

// ListConversations returns every conversation the user participates in.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]storage.Conversation, error) {
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
		`SELECT id, participant_low, participant_high, created_at
		 FROM conversations
		 WHERE participant_low = ? OR participant_high = ?
		 ORDER BY created_at ASC, id ASC`,
		userID,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []storage.Conversation
	for rows.Next() {
		var (
			conversation storage.Conversation
			createdAt    int64
		)
		if err := rows.Scan(
			&conversation.ID,
			&conversation.Participants[0],
			&conversation.Participants[1],
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		conversation.CreatedAt = fromMillis(createdAt)
		conversations = append(conversations, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return conversations, nil
}

// AppendMessage inserts one message at the tail of a conversation log.
func (s *Store) AppendMessage(ctx context.Context, message storage.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	messageID := strings.TrimSpace(message.ID)
	conversationID := strings.TrimSpace(message.ConversationID)
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	kind := message.Kind
	if kind == "" {
		kind = storage.MessageText
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO messages (id, conversation_id, from_id, to_id, kind, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		messageID,
		conversationID,
		strings.TrimSpace(message.FromID),
		strings.TrimSpace(message.ToID),
		string(kind),
		message.Body,
		toMillis(message.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns messages in append order. Insertion order is the
// chronological order of the log, so rowid is the sort key.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}

	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, conversation_id, from_id, to_id, kind, body, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY rowid ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []storage.Message
	for rows.Next() {
		var (
			message   storage.Message
			kind      string
			createdAt int64
		)
		if err := rows.Scan(
			&message.ID,
			&message.ConversationID,
			&message.FromID,
			&message.ToID,
			&kind,
			&message.Body,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		message.Kind = storage.MessageKind(kind)
		message.CreatedAt = fromMillis(createdAt)
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}
