// Package tokenstore persists the bearer credential of a client profile.
//
// A Store is bound to one fixed storage key and is the only durable copy of
// the credential; the session manager keeps an in-memory cache of it and is
// the only component that writes through a Store.
package tokenstore

import (
	"context"
	"errors"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	// ErrNotFound is returned by a Backend when the key holds no value.
	ErrNotFound = errors.New("token not found")
	// ErrEmptyToken is returned by Write for an empty credential.
	ErrEmptyToken = errors.New("empty token")
)

// Backend is a key/value persistence layer for credentials.
// Implementations must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Key builds the storage key for a profile: <prefix>:<profile>:token.
func Key(prefix, profileID string) string {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "portal"
	}
	if profileID == "" {
		profileID = "local"
	}
	return prefix + ":" + profileID + ":token"
}

// Store reads and writes the credential under one storage key.
type Store struct {
	backend Backend
	key     string
	sealer  *Sealer
	log     echo.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithSealer seals values before they reach the backend.
func WithSealer(s *Sealer) Option {
	return func(st *Store) { st.sealer = s }
}

// WithLogger sets the logger used to report backend failures on Read.
func WithLogger(l echo.Logger) Option {
	return func(st *Store) { st.log = l }
}

func New(backend Backend, key string, opts ...Option) *Store {
	s := &Store{backend: backend, key: key}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Key returns the storage key this store is bound to.
func (s *Store) Key() string { return s.key }

// Read returns the persisted credential.  It never fails: backend errors
// and values that cannot be unsealed are logged and reported as absent.
func (s *Store) Read(ctx context.Context) (string, bool) {
	v, err := s.backend.Get(ctx, s.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.warnf("tokenstore: read %s: %v", s.key, err)
		}
		return "", false
	}
	if s.sealer != nil {
		plain, err := s.sealer.Open(v, s.key)
		if err != nil {
			s.warnf("tokenstore: discarding unreadable token at %s: %v", s.key, err)
			_ = s.backend.Delete(ctx, s.key)
			return "", false
		}
		v = plain
	}
	if v == "" {
		return "", false
	}
	return v, true
}

// Write persists token, overwriting any previous value.
func (s *Store) Write(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	v := token
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(token, s.key)
		if err != nil {
			return err
		}
		v = sealed
	}
	return s.backend.Set(ctx, s.key, v)
}

// Clear removes the persisted credential.  Clearing an absent value is not
// an error.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, s.key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (s *Store) warnf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Warnf(format, args...)
	}
}
