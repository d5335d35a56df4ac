// Package presence tracks which user identity owns which live connection.
package presence

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/huddle-chat/huddle/internal/storage"
)

// Registry maps durable user identities to ephemeral live connection ids.
//
// The in-process map is the only shared mutable state in the coordinator and
// is safe for concurrent use from many connection-handling goroutines. The
// mapping is also mirrored onto the user record so the durable store reflects
// current presence.
type Registry struct {
	mu          sync.Mutex
	connections map[string]string
	users       storage.UserStore
}

// NewRegistry creates a registry backed by the given user store.
func NewRegistry(users storage.UserStore) *Registry {
	return &Registry{
		connections: make(map[string]string),
		users:       users,
	}
}

// Attach records that userID's live connection is connectionID and marks the
// user Online. Re-attaching overwrites the prior connection id, which covers
// reconnects without explicit stale-connection cleanup. Unknown users are
// logged and absorbed so a connect with a bogus id cannot take the channel down.
func (r *Registry) Attach(ctx context.Context, userID string, connectionID string) error {
	userID = strings.TrimSpace(userID)
	connectionID = strings.TrimSpace(connectionID)
	if userID == "" || connectionID == "" {
		return errors.New("user id and connection id are required")
	}

	r.mu.Lock()
	r.connections[userID] = connectionID
	r.mu.Unlock()

	if r.users == nil {
		return nil
	}
	if err := r.users.SetPresence(ctx, userID, connectionID, storage.PresenceOnline); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("presence: attach for unknown user=%q conn=%q", userID, connectionID)
			return nil
		}
		return err
	}
	return nil
}

// Detach marks the user Offline, but only while userID still maps to
// connectionID: a detach raced by a reconnect must not clobber the newer
// attach. The stored connection id is deliberately left in place; a stale id
// resolves but fails delivery at the peer table.
func (r *Registry) Detach(ctx context.Context, userID string, connectionID string) error {
	userID = strings.TrimSpace(userID)
	connectionID = strings.TrimSpace(connectionID)
	if userID == "" || connectionID == "" {
		return errors.New("user id and connection id are required")
	}

	r.mu.Lock()
	current := r.connections[userID]
	r.mu.Unlock()
	if current != connectionID {
		log.Printf("presence: stale detach for user=%q conn=%q ignored", userID, connectionID)
		return nil
	}

	if r.users == nil {
		return nil
	}
	if err := r.users.SetPresence(ctx, userID, "", storage.PresenceOffline); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("presence: detach for unknown user=%q", userID)
			return nil
		}
		return err
	}
	return nil
}

// Resolve returns the connection id last attached for userID. Unknown users
// resolve to false, never an error; callers treat that as "cannot deliver".
func (r *Registry) Resolve(userID string) (string, bool) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", false
	}
	r.mu.Lock()
	connectionID, ok := r.connections[userID]
	r.mu.Unlock()
	return connectionID, ok
}
