package auth

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrUnauthenticated is returned when no usable credential is available.
var ErrUnauthenticated = errors.New("unauthenticated")

// Claims are the parts of the access token the client reads.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Expired reports whether the token expired before now. Tokens without an
// expiry never expire.
func (c Claims) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return c.ExpiresAt.Before(now)
}

// ParseClaims decodes the token without verifying its signature.
func ParseClaims(token string) (Claims, error) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return Claims{}, err
	}
	c := Claims{Subject: rc.Subject}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}

// Store holds the current bearer credential and notifies subscribers when it changes.
type Store struct {
	mu        sync.Mutex
	token     string
	listeners map[int]func(string)
	nextSub   int
}

// NewStore creates a store seeded with token, which may be empty.
func NewStore(token string) *Store {
	return &Store{
		token:     strings.TrimSpace(token),
		listeners: make(map[int]func(string)),
	}
}

func (s *Store) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *Store) Present() bool {
	_, ok := s.Token()
	return ok
}

// Claims decodes the current token.
func (s *Store) Claims() (Claims, error) {
	token, ok := s.Token()
	if !ok {
		return Claims{}, ErrUnauthenticated
	}
	return ParseClaims(token)
}

// UserID returns the subject of the current token.
func (s *Store) UserID() (string, error) {
	c, err := s.Claims()
	if err != nil {
		return "", err
	}
	if c.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return c.Subject, nil
}

// Set installs token. Setting the current value again is a no-op.
func (s *Store) Set(token string) {
	s.update(strings.TrimSpace(token))
}

// Clear drops the credential.
func (s *Store) Clear() {
	s.update("")
}

// OnChange registers fn, called with the new token or "" when cleared.
func (s *Store) OnChange(fn func(token string)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) update(token string) {
	s.mu.Lock()
	if s.token == token {
		s.mu.Unlock()
		return
	}
	s.token = token
	listeners := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(token)
	}
}
