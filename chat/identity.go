package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"lindachat/graph"
	"lindachat/models"
)

// Identity is the authenticated principal.
type Identity struct {
	// Pub is the principal id: the encoded Ed25519 public key.
	Pub string `json:"pub"`
	// EPub is the encoded X25519 key peers seal direct messages to.
	EPub  string `json:"epub"`
	Alias string `json:"alias"`
}

// Session holds the current principal. The engine only reads it.
type Session struct {
	graph graph.Graph
	clock Clock

	mu       sync.RWMutex
	identity *Identity
}

func newSession(g graph.Graph, clock Clock) *Session {
	return &Session{graph: g, clock: clock}
}

// Login sets the principal and publishes its profile.
func (s *Session) Login(ctx context.Context, id Identity) error {
	if strings.TrimSpace(id.Pub) == "" || strings.TrimSpace(id.EPub) == "" {
		return fmt.Errorf("%w: identity keys are required", ErrInvalidArgument)
	}

	profile := models.Profile{
		Pub:     id.Pub,
		EPub:    id.EPub,
		Alias:   id.Alias,
		Updated: s.clock.Now().UnixMilli(),
	}
	path := graph.UserPath(id.Pub, "profile")
	if err := s.graph.Put(ctx, path, profile); err != nil {
		return writeFailure(path, err)
	}

	s.mu.Lock()
	s.identity = &id
	s.mu.Unlock()
	return nil
}

// Logout clears the principal.
func (s *Session) Logout() {
	s.mu.Lock()
	s.identity = nil
	s.mu.Unlock()
}

// Current returns the principal or ErrAuthenticationRequired.
func (s *Session) Current() (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return Identity{}, ErrAuthenticationRequired
	}
	return *s.identity, nil
}

// Profile reads a principal's published profile.
func (s *Session) Profile(ctx context.Context, pub string) (models.Profile, error) {
	var profile models.Profile
	node, err := s.graph.Get(ctx, graph.UserPath(pub, "profile"))
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return profile, fmt.Errorf("%w: profile of %s", ErrNotFound, pub)
		}
		return profile, err
	}
	if err := node.Decode(&profile); err != nil {
		return profile, fmt.Errorf("decode profile of %s: %w", pub, err)
	}
	return profile, nil
}
