// Package chat manages direct conversations and their ordered message logs.
package chat

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
	"github.com/huddle-chat/huddle/internal/social"
	"github.com/huddle-chat/huddle/internal/storage"
)

// Live-channel event names pushed by this service.
const (
	EventStartChat  = "start_chat"
	EventNewMessage = "new_message"
)

// View is a conversation with its participant profiles populated.
type View struct {
	ID           string           `json:"id"`
	Participants []social.Profile `json:"participants"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// MessageView is one message as pushed over the live channel.
type MessageView struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	From           string              `json:"from"`
	To             string              `json:"to"`
	Kind           storage.MessageKind `json:"kind"`
	Body           string              `json:"body"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// MessageNotice is the new_message payload delivered to both parties.
type MessageNotice struct {
	ConversationID string      `json:"conversationId"`
	Message        MessageView `json:"message"`
}

// Service manages two-party conversations. Creation is find-or-create per
// unordered pair: the first caller wins and later callers land on the same
// record.
type Service struct {
	conversations storage.ConversationStore
	users         storage.UserStore
	sender        presence.Sender
	pairs         *pairLocks

	now   func() time.Time
	newID func() (string, error)
}

// NewService creates the chat service.
func NewService(conversations storage.ConversationStore, users storage.UserStore, sender presence.Sender) *Service {
	return &Service{
		conversations: conversations,
		users:         users,
		sender:        sender,
		pairs:         newPairLocks(),
		now:           time.Now,
		newID:         id.NewID,
	}
}

// StartConversation finds or creates the conversation between from and to and
// pushes start_chat with the populated view back to the requester.
func (s *Service) StartConversation(ctx context.Context, fromID, toID string) (View, error) {
	fromID = strings.TrimSpace(fromID)
	toID = strings.TrimSpace(toID)
	if fromID == "" || toID == "" || fromID == toID {
		return View{}, apperrors.New(apperrors.CodeConversationInvalidParticipants, "a conversation needs two distinct participants")
	}

	conversation, err := s.findOrCreate(ctx, fromID, toID)
	if err != nil {
		return View{}, err
	}
	view, err := s.view(ctx, conversation)
	if err != nil {
		return View{}, err
	}

	s.push(ctx, fromID, presence.Event{Type: EventStartChat, Payload: view})
	return view, nil
}

// ListConversations returns every conversation the user participates in,
// participant profiles populated.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]View, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.New(apperrors.CodeUserIDEmpty, "user id is required")
	}

	conversations, err := s.conversations.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	views := make([]View, 0, len(conversations))
	for _, conversation := range conversations {
		view, err := s.view(ctx, conversation)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// Messages returns the conversation's messages in append order.
func (s *Service) Messages(ctx context.Context, conversationID string) ([]MessageView, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, apperrors.New(apperrors.CodeConversationNotFound, "conversation id is required")
	}

	messages, err := s.conversations.ListMessages(ctx, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.New(apperrors.CodeConversationNotFound, "conversation not found")
		}
		return nil, fmt.Errorf("list messages: %w", err)
	}
	views := make([]MessageView, 0, len(messages))
	for _, message := range messages {
		views = append(views, messageView(message))
	}
	return views, nil
}

// SendMessage appends one message and pushes new_message to both parties.
// When the referenced conversation is gone the pair from the message itself
// seeds a fresh conversation, so a client racing a conversation wipe does not
// lose the message.
func (s *Service) SendMessage(ctx context.Context, conversationID, fromID, toID string, kind storage.MessageKind, body string) (MessageView, error) {
	fromID = strings.TrimSpace(fromID)
	toID = strings.TrimSpace(toID)
	if fromID == "" || toID == "" || fromID == toID {
		return MessageView{}, apperrors.New(apperrors.CodeConversationInvalidParticipants, "a message needs two distinct parties")
	}
	if strings.TrimSpace(body) == "" {
		return MessageView{}, apperrors.New(apperrors.CodeMessageBodyEmpty, "message body is required")
	}
	switch kind {
	case "":
		kind = storage.MessageText
	case storage.MessageText, storage.MessageLink, storage.MessageFile:
	default:
		return MessageView{}, apperrors.New(apperrors.CodeMessageInvalidKind, fmt.Sprintf("message kind %q is invalid", kind))
	}

	conversationID = strings.TrimSpace(conversationID)
	var conversation storage.Conversation
	var err error
	if conversationID != "" {
		conversation, err = s.conversations.GetConversation(ctx, conversationID)
	}
	if conversationID == "" || errors.Is(err, storage.ErrNotFound) {
		conversation, err = s.findOrCreate(ctx, fromID, toID)
	}
	if err != nil {
		return MessageView{}, err
	}

	messageID, err := s.newID()
	if err != nil {
		return MessageView{}, fmt.Errorf("generate message id: %w", err)
	}
	message := storage.Message{
		ID:             messageID,
		ConversationID: conversation.ID,
		FromID:         fromID,
		ToID:           toID,
		Kind:           kind,
		Body:           body,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.conversations.AppendMessage(ctx, message); err != nil {
		return MessageView{}, fmt.Errorf("append message: %w", err)
	}

	notice := MessageNotice{ConversationID: conversation.ID, Message: messageView(message)}
	s.push(ctx, toID, presence.Event{Type: EventNewMessage, Payload: notice})
	s.push(ctx, fromID, presence.Event{Type: EventNewMessage, Payload: notice})
	return notice.Message, nil
}

// findOrCreate resolves the conversation for an unordered pair, creating it
// when missing. The pair lock serializes racing creators inside the process;
// the store's unique pair index backstops racing processes, in which case the
// winner's record is re-read.
func (s *Service) findOrCreate(ctx context.Context, a, b string) (storage.Conversation, error) {
	unlock := s.pairs.lock(a, b)
	defer unlock()

	conversation, err := s.conversations.FindConversationByParticipants(ctx, a, b)
	if err == nil {
		return conversation, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Conversation{}, fmt.Errorf("find conversation: %w", err)
	}

	conversationID, err := s.newID()
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("generate conversation id: %w", err)
	}
	conversation = storage.Conversation{
		ID:           conversationID,
		Participants: [2]string{a, b},
		CreatedAt:    s.now().UTC(),
	}
	if err := s.conversations.CreateConversation(ctx, conversation); err != nil {
		if existing, findErr := s.conversations.FindConversationByParticipants(ctx, a, b); findErr == nil {
			return existing, nil
		}
		return storage.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, nil
}

func (s *Service) view(ctx context.Context, conversation storage.Conversation) (View, error) {
	view := View{
		ID:           conversation.ID,
		Participants: make([]social.Profile, 0, len(conversation.Participants)),
		CreatedAt:    conversation.CreatedAt,
	}
	for _, participantID := range conversation.Participants {
		user, err := s.users.GetUser(ctx, participantID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Keep the id visible even when the profile is gone.
				view.Participants = append(view.Participants, social.Profile{ID: participantID})
				continue
			}
			return View{}, fmt.Errorf("load participant: %w", err)
		}
		view.Participants = append(view.Participants, social.ProfileOf(user))
	}
	return view, nil
}

func messageView(message storage.Message) MessageView {
	return MessageView{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		From:           message.FromID,
		To:             message.ToID,
		Kind:           message.Kind,
		Body:           message.Body,
		CreatedAt:      message.CreatedAt,
	}
}

func (s *Service) push(ctx context.Context, userID string, event presence.Event) {
	if s.sender == nil {
		return
	}
	if delivery := s.sender.Send(ctx, userID, event); !delivery.Delivered {
		log.Printf("chat: %s to %s skipped: %s", event.Type, userID, delivery.Reason)
	}
}
