// Package session owns the authenticated identity of one client profile:
// the cached bearer credential, the resolved profile and the loading flag.
//
// A Manager drives the backend through the anti-forgery handshake before
// every session-establishing call, keeps its in-memory credential consistent
// with the Token Store, and fails closed: any failure to resolve the current
// user clears both copies of the credential.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/training-portal/internal/backend"
	"github.com/iliyamo/training-portal/internal/model"
)

// DefaultTimeout bounds every backend call made by a Manager.
const DefaultTimeout = 5 * time.Second

// API is the part of the backend client a Manager drives.
type API interface {
	PrimeCSRF(ctx context.Context) error
	Login(ctx context.Context, email, password string) (backend.TokenResponse, error)
	Register(ctx context.Context, r backend.RegisterRequest) (backend.TokenResponse, error)
	Me(ctx context.Context, token string) (model.Profile, error)
	Logout(ctx context.Context, token string) error
}

// TokenStore is the durable copy of the credential.
type TokenStore interface {
	Read(ctx context.Context) (string, bool)
	Write(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// RegisterInput is the registration form.
type RegisterInput struct {
	Name                 string
	Email                string
	Password             string
	PasswordConfirmation string
	Role                 string
}

type Manager struct {
	api      API
	store    TokenStore
	log      echo.Logger
	timeout  time.Duration
	notifier Notifier
	metrics  *Metrics
	profile  string

	flight singleflight.Group

	// commitMu serializes every change of the credential so the Token Store
	// and the in-memory copy move together.
	commitMu sync.Mutex

	mu      sync.Mutex
	token   string
	user    *model.Profile
	loading bool
	gen     uint64        // bumped whenever token changes
	settled chan struct{} // closed while !loading
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l echo.Logger) Option { return func(m *Manager) { m.log = l } }

// WithTimeout bounds each backend call.  Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

func WithMetrics(mt *Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithProfileID labels logs and events with the client profile.
func WithProfileID(id string) Option { return func(m *Manager) { m.profile = id } }

// New reads the Token Store and returns a Manager in its initial state: with a
// stored credential it is resolving (Loading) until Restore settles, without
// one it is unauthenticated.  Callers must call Restore when
// Snapshot().Loading is true.
func New(ctx context.Context, api API, store TokenStore, opts ...Option) *Manager {
	m := &Manager{
		api:     api,
		store:   store,
		timeout: DefaultTimeout,
		settled: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		l := log.New("session")
		l.SetLevel(log.WARN)
		m.log = l
	}
	if m.profile == "" {
		m.profile = "local"
	}

	if tok, ok := store.Read(ctx); ok {
		m.token = tok
		m.loading = true
		m.observe(ctx, Unauthenticated, Resolving, ReasonStartup, nil, nil)
	} else {
		close(m.settled)
	}
	return m
}

// ProfileID returns the client profile this manager belongs to.
func (m *Manager) ProfileID() string { return m.profile }

// Backend returns the API the manager drives.  It shares the manager's
// anti-forgery cookies, so collaborator requests should go through it.
func (m *Manager) Backend() API { return m.api }

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Token returns the cached credential, empty when unauthenticated.  Callers
// issuing their own backend requests use it for per-request bearer
// injection.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Wait blocks until the session is not loading or ctx is done.  It returns
// the latest snapshot in both cases.
func (m *Manager) Wait(ctx context.Context) (Snapshot, error) {
	for {
		m.mu.Lock()
		if !m.loading {
			s := m.snapshotLocked()
			m.mu.Unlock()
			return s, nil
		}
		ch := m.settled
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return m.Snapshot(), ctx.Err()
		}
	}
}

// Restore re-resolves the current user for the cached credential.  It is
// called once at startup and whenever the credential changes outside of
// Login/Register.  Concurrent calls for the same credential share one
// handshake and /me round trip.  Every path leaves Loading false; a result
// that arrives after the credential changed is discarded (ErrSuperseded).
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	tok, gen := m.token, m.gen
	if tok == "" {
		m.user = nil
		m.setLoadingLocked(false)
		m.mu.Unlock()
		return nil
	}
	from := m.stateLocked()
	m.user = nil
	m.setLoadingLocked(true)
	m.mu.Unlock()
	if from != Resolving {
		m.observe(ctx, from, Resolving, ReasonRestore, nil, nil)
	}

	started := time.Now()
	v, err, _ := m.flight.Do(tok, func() (interface{}, error) {
		return m.resolve(ctx, tok)
	})
	m.metrics.observeRestore(time.Since(started), err)

	if err != nil {
		m.log.Warnf("session: restore failed profile=%s: %v", m.profile, err)
		applied, _ := m.apply(ctx, change{ifGen: &gen, persist: persistClear, reason: ReasonRestoreFailed, err: err})
		if !applied {
			return ErrSuperseded
		}
		return fmt.Errorf("%w: %w", ErrResolve, err)
	}

	p := v.(model.Profile)
	if applied, _ := m.apply(ctx, change{ifGen: &gen, token: tok, user: &p, reason: ReasonRestore}); !applied {
		return ErrSuperseded
	}
	return nil
}

// resolve performs handshake then /me.  The flight is shared by every
// caller joined to it, so it must not inherit one caller's cancellation.
func (m *Manager) resolve(ctx context.Context, tok string) (model.Profile, error) {
	ctx = context.WithoutCancel(ctx)
	if err := m.call(ctx, m.api.PrimeCSRF); err != nil {
		return model.Profile{}, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	var p model.Profile
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		p, err = m.api.Me(ctx, tok)
		return err
	})
	return p, err
}

// Login establishes a session.  On error nothing observable changed, except
// when the credential was accepted but the user could not be resolved: then
// the session is cleared and ErrResolve is returned.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return ErrMissingField
	}
	return m.establish(ctx, ReasonLogin, ErrInvalidCredentials, func(ctx context.Context) (backend.TokenResponse, error) {
		return m.api.Login(ctx, email, password)
	})
}

// Register creates an account and establishes a session for it, with the
// same all-or-nothing contract as Login.  An empty role registers a student.
func (m *Manager) Register(ctx context.Context, in RegisterInput) error {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	if in.Name == "" || in.Email == "" || in.Password == "" {
		return ErrMissingField
	}
	if in.Password != in.PasswordConfirmation {
		return ErrPasswordMismatch
	}
	role := model.NormalizeRole(in.Role)
	if role == "" {
		role = model.RoleStudent
	}
	req := backend.RegisterRequest{
		Name:                 in.Name,
		Email:                in.Email,
		Password:             in.Password,
		PasswordConfirmation: in.PasswordConfirmation,
		Role:                 role,
	}
	return m.establish(ctx, ReasonRegister, ErrRegistrationRejected, func(ctx context.Context) (backend.TokenResponse, error) {
		return m.api.Register(ctx, req)
	})
}

func (m *Manager) establish(ctx context.Context, reason string, rejected error, issue func(context.Context) (backend.TokenResponse, error)) error {
	if err := m.call(ctx, m.api.PrimeCSRF); err != nil {
		m.metrics.failure(reason, "handshake")
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	var tr backend.TokenResponse
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		tr, err = issue(ctx)
		return err
	})
	if err != nil {
		m.metrics.failure(reason, "rejected")
		if backend.IsClientError(err) {
			return fmt.Errorf("%w: %w", rejected, err)
		}
		return fmt.Errorf("%s: %w", reason, err)
	}

	var p model.Profile
	err = m.call(ctx, func(ctx context.Context) error {
		var err error
		p, err = m.api.Me(ctx, tr.AccessToken)
		return err
	})
	if err != nil {
		m.metrics.failure(reason, "resolve")
		m.log.Warnf("session: %s accepted but /me failed profile=%s: %v", reason, m.profile, err)
		_, _ = m.apply(ctx, change{persist: persistClear, reason: ReasonResolveFailed, err: err})
		return fmt.Errorf("%w: %w", ErrResolve, err)
	}

	if _, err := m.apply(ctx, change{token: tr.AccessToken, user: &p, persist: persistWrite, reason: reason}); err != nil {
		m.metrics.failure(reason, "persist")
		return fmt.Errorf("persist token: %w", err)
	}
	return nil
}

// Logout invalidates the credential on the server (best effort) and then
// always clears the Token Store and the in-memory session.  Only a Token
// Store failure is returned; the in-memory session is cleared regardless.
func (m *Manager) Logout(ctx context.Context) error {
	var callErr error
	if tok := m.Token(); tok != "" {
		callErr = m.call(ctx, func(ctx context.Context) error {
			if err := m.api.PrimeCSRF(ctx); err != nil {
				return fmt.Errorf("%w: %w", ErrHandshake, err)
			}
			return m.api.Logout(ctx, tok)
		})
		if callErr != nil {
			m.metrics.failure(ReasonLogout, "server")
			m.log.Warnf("session: logout call failed profile=%s: %v", m.profile, callErr)
		}
	}
	_, err := m.apply(ctx, change{persist: persistClear, reason: ReasonLogout, err: callErr})
	return err
}

// Invalidate clears the session after a collaborator saw token rejected by
// the backend.  It is a no-op when token is no longer current.
func (m *Manager) Invalidate(ctx context.Context, token string, cause error) error {
	if token == "" {
		return nil
	}
	_, err := m.apply(ctx, change{onlyToken: token, persist: persistClear, reason: ReasonInvalidated, err: cause})
	return err
}

func (m *Manager) call(ctx context.Context, f func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return f(ctx)
}

type persistOp int

const (
	persistNone persistOp = iota
	persistWrite
	persistClear
)

type change struct {
	ifGen     *uint64 // apply only if no credential change happened since
	onlyToken string  // apply only if this is still the credential
	token     string
	user      *model.Profile
	persist   persistOp
	reason    string
	err       error
}

// apply moves store and memory to the state described by c.  It reports
// false when c was stale.  A failed store write leaves everything as it was;
// a failed store clear still clears memory and is returned.
func (m *Manager) apply(ctx context.Context, c change) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	stale := (c.ifGen != nil && *c.ifGen != m.gen) || (c.onlyToken != "" && c.onlyToken != m.token)
	m.mu.Unlock()
	if stale {
		return false, nil
	}

	var storeErr error
	switch c.persist {
	case persistWrite:
		if err := m.store.Write(ctx, c.token); err != nil {
			m.log.Errorf("session: token store write failed profile=%s: %v", m.profile, err)
			return false, err
		}
	case persistClear:
		if storeErr = m.store.Clear(ctx); storeErr != nil {
			m.log.Errorf("session: token store clear failed profile=%s: %v", m.profile, storeErr)
		}
	}

	m.mu.Lock()
	from := m.stateLocked()
	if c.token != m.token {
		m.gen++
	}
	m.token = c.token
	m.user = c.user
	m.setLoadingLocked(false)
	to := m.stateLocked()
	m.mu.Unlock()

	m.observe(ctx, from, to, c.reason, c.user, c.err)
	return true, storeErr
}

func (m *Manager) observe(ctx context.Context, from, to State, reason string, user *model.Profile, err error) {
	if from == to && err == nil {
		return
	}
	if from != to {
		m.metrics.transition(from, to)
		m.log.Infof("session: %s -> %s (%s) profile=%s", from, to, reason, m.profile)
	}
	if m.notifier == nil {
		return
	}
	t := Transition{
		ProfileID: m.profile,
		From:      from,
		To:        to,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
	if user != nil {
		t.UserID = user.ID
		t.Role = user.Role
	}
	if err != nil {
		t.Err = err.Error()
	}
	m.notifier.Notify(ctx, t)
}

func (m *Manager) snapshotLocked() Snapshot {
	s := Snapshot{Token: m.token, Loading: m.loading}
	if m.user != nil {
		u := *m.user
		s.User = &u
	}
	return s
}

func (m *Manager) stateLocked() State {
	return m.snapshotLocked().State()
}

func (m *Manager) setLoadingLocked(v bool) {
	if v == m.loading {
		return
	}
	m.loading = v
	if v {
		m.settled = make(chan struct{})
	} else {
		close(m.settled)
	}
}
