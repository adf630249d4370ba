// Package session maps caller-supplied user ids to relay session tokens.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Info describes one user → token mapping.
type Info struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Registry is safe for concurrent use. Mappings live until Expire removes them.
type Registry struct {
	byUser map[string]*Info
	mu     sync.Mutex
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]*Info),
		now:    time.Now,
	}
}

// NewToken returns a fresh UUIDv7 session token.
func NewToken() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Resolve returns the token for userID, creating one on first sight. An empty
// userID always receives a fresh token that is not remembered, so anonymous
// callers never share a log buffer.
func (r *Registry) Resolve(userID string) (token string, created bool) {
	if userID == "" {
		return NewToken(), true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if info, ok := r.byUser[userID]; ok {
		info.LastSeen = now
		return info.Token, false
	}
	info := &Info{
		UserID:    userID,
		Token:     NewToken(),
		CreatedAt: now,
		LastSeen:  now,
	}
	r.byUser[userID] = info
	return info.Token, true
}

// Lookup returns the token for userID without creating or touching it.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.byUser[userID]
	if !ok {
		return "", false
	}
	return info.Token, true
}

// Len returns the number of remembered users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// List returns all mappings, most recently seen first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.byUser))
	for _, info := range r.byUser {
		out = append(out, *info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Expire removes mappings idle for longer than ttl and returns their tokens.
// A non-positive ttl disables expiry.
func (r *Registry) Expire(now time.Time, ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for userID, info := range r.byUser {
		if now.Sub(info.LastSeen) > ttl {
			expired = append(expired, info.Token)
			delete(r.byUser, userID)
		}
	}
	sort.Strings(expired)
	return expired
}
