package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/training-portal/internal/backend"
	"github.com/iliyamo/training-portal/internal/backend/backendtest"
	"github.com/iliyamo/training-portal/internal/model"
	"github.com/iliyamo/training-portal/internal/tokenstore"
)

func quietLogger() echo.Logger {
	l := log.New("test")
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	srv   *backendtest.Server
	store *tokenstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		srv:   backendtest.New(t),
		store: tokenstore.New(tokenstore.NewMemoryBackend(), tokenstore.Key("portal", "p1")),
	}
}

func (f *fixture) manager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	c, err := backend.New(f.srv.URL, "/api", "/sanctum/csrf-cookie")
	if err != nil {
		t.Fatalf("backend.New() error: %v", err)
	}
	opts = append([]Option{WithLogger(quietLogger()), WithProfileID("p1")}, opts...)
	return New(context.Background(), c, f.store, opts...)
}

func (f *fixture) stored(t *testing.T) string {
	t.Helper()
	tok, _ := f.store.Read(context.Background())
	return tok
}

func assertUnauthenticated(t *testing.T, m *Manager, f *fixture) {
	t.Helper()
	s := m.Snapshot()
	if s.Token != "" || s.User != nil || s.Loading {
		t.Fatalf("expected {token:absent,user:absent,loading:false}, got %+v", s)
	}
	if s.State() != Unauthenticated {
		t.Fatalf("expected unauthenticated state, got %s", s.State())
	}
	if tok := f.stored(t); tok != "" {
		t.Fatalf("expected token store cleared, found %q", tok)
	}
}

var ada = model.Profile{ID: 1, Name: "Ada", Email: "a@x.com", Role: "admin"}

func TestColdStartWithoutToken(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	if s := m.Snapshot(); s.Loading || s.User != nil {
		t.Fatalf("expected settled unauthenticated session, got %+v", s)
	}
	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	assertUnauthenticated(t, m, f)
	if calls := f.srv.Calls(); len(calls) != 0 {
		t.Fatalf("expected no backend calls, got %v", calls)
	}
}

func TestColdStartWithValidToken(t *testing.T) {
	f := newFixture(t)
	tok := f.srv.Issue(ada)
	if err := f.store.Write(context.Background(), tok); err != nil {
		t.Fatal(err)
	}

	m := f.manager(t)
	if s := m.Snapshot(); !s.Loading || s.User != nil || s.State() != Resolving {
		t.Fatalf("expected resolving session before restore, got %+v", s)
	}

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	s := m.Snapshot()
	if s.Loading || !s.IsAuthenticated() || *s.User != ada || s.Token != tok {
		t.Fatalf("unexpected snapshot %+v", s)
	}

	want := []string{"GET /sanctum/csrf-cookie", "GET /api/me"}
	if got := f.srv.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestRestoreIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tok := f.srv.Issue(ada)
	_ = f.store.Write(context.Background(), tok)
	m := f.manager(t)

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("first Restore() error: %v", err)
	}
	first := m.Snapshot()
	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("second Restore() error: %v", err)
	}
	second := m.Snapshot()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("snapshots differ: %+v vs %+v", first, second)
	}
	if second.Loading || second.User == nil {
		t.Fatalf("expected authenticated, got %+v", second)
	}
}

func TestRestoreFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		inject func(*backendtest.Server, string)
	}{
		{"me unauthorized", func(s *backendtest.Server, _ string) { s.FailMe(http.StatusUnauthorized) }},
		{"me server error", func(s *backendtest.Server, _ string) { s.FailMe(http.StatusInternalServerError) }},
		{"me anti-forgery expired", func(s *backendtest.Server, _ string) { s.FailMe(419) }},
		{"handshake down", func(s *backendtest.Server, _ string) { s.FailCSRF(http.StatusBadGateway) }},
		{"me timeout", func(s *backendtest.Server, _ string) { s.SetMeDelay(300 * time.Millisecond) }},
		{"token revoked", func(s *backendtest.Server, tok string) { s.Revoke(tok) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tok := f.srv.Issue(ada)
			_ = f.store.Write(context.Background(), tok)
			tt.inject(f.srv, tok)

			m := f.manager(t, WithTimeout(50*time.Millisecond))
			err := m.Restore(context.Background())
			if !errors.Is(err, ErrResolve) {
				t.Fatalf("expected ErrResolve, got %v", err)
			}
			assertUnauthenticated(t, m, f)
		})
	}
}

func TestRestoreHandshakeFailureSkipsMe(t *testing.T) {
	f := newFixture(t)
	_ = f.store.Write(context.Background(), f.srv.Issue(ada))
	f.srv.FailCSRF(http.StatusServiceUnavailable)

	m := f.manager(t)
	err := m.Restore(context.Background())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	if n := f.srv.Count("GET /api/me"); n != 0 {
		t.Fatalf("expected /me not to be called, got %d calls", n)
	}
}

func TestRevokedTokenOnManualRestore(t *testing.T) {
	f := newFixture(t)
	tok := f.srv.Issue(ada)
	_ = f.store.Write(context.Background(), tok)
	m := f.manager(t)
	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	f.srv.Revoke(tok)
	if err := m.Restore(context.Background()); !errors.Is(err, ErrResolve) || !backend.IsUnauthorized(err) {
		t.Fatalf("expected wrapped 401, got %v", err)
	}
	assertUnauthenticated(t, m, f)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	f.srv.AddUser("a@x.com", "secret", model.Profile{ID: 1, Name: "Ada", Role: "admin"})
	m := f.manager(t)

	if err := m.Login(context.Background(), " a@x.com ", "secret"); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	s := m.Snapshot()
	if !s.IsAuthenticated() || s.User.Name != "Ada" || s.Loading {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if stored := f.stored(t); stored == "" || stored != s.Token {
		t.Fatalf("store (%q) and memory (%q) disagree", stored, s.Token)
	}
	want := []string{"GET /sanctum/csrf-cookie", "POST /api/login", "GET /api/me"}
	if got := f.srv.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newFixture(t)
	f.srv.AddUser("a@x.com", "secret", ada)
	m := f.manager(t)

	err := m.Login(context.Background(), "a@x.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if !backend.IsUnauthorized(err) {
		t.Fatalf("expected backend 401 to stay inspectable, got %v", err)
	}
	assertUnauthenticated(t, m, f)
	if n := f.srv.Count("GET /api/me"); n != 0 {
		t.Fatalf("expected no /me call, got %d", n)
	}
}

func TestLoginMissingFields(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	if err := m.Login(context.Background(), "  ", "pw"); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if len(f.srv.Calls()) != 0 {
		t.Fatal("expected no backend calls")
	}
}

func TestLoginHandshakeFailure(t *testing.T) {
	f := newFixture(t)
	f.srv.AddUser("a@x.com", "secret", ada)
	f.srv.FailCSRF(http.StatusInternalServerError)
	m := f.manager(t)

	if err := m.Login(context.Background(), "a@x.com", "secret"); !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	if n := f.srv.Count("POST /api/login"); n != 0 {
		t.Fatalf("login must not be sent after failed handshake, got %d", n)
	}
	assertUnauthenticated(t, m, f)
}

func TestLoginResolveFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.srv.AddUser("a@x.com", "secret", ada)
	f.srv.FailMe(http.StatusInternalServerError)
	m := f.manager(t)

	if err := m.Login(context.Background(), "a@x.com", "secret"); !errors.Is(err, ErrResolve) {
		t.Fatalf("expected ErrResolve, got %v", err)
	}
	assertUnauthenticated(t, m, f)
}

type failingWriteStore struct{ TokenStore }

func (failingWriteStore) Write(context.Context, string) error { return errors.New("disk full") }

func TestLoginStoreWriteFailureCommitsNothing(t *testing.T) {
	f := newFixture(t)
	f.srv.AddUser("a@x.com", "secret", ada)
	c, _ := backend.New(f.srv.URL, "/api", "/sanctum/csrf-cookie")
	m := New(context.Background(), c, failingWriteStore{f.store}, WithLogger(quietLogger()))

	if err := m.Login(context.Background(), "a@x.com", "secret"); err == nil {
		t.Fatal("expected persist error")
	}
	assertUnauthenticated(t, m, f)
}

func TestLoginFileStoreWriteFailureCommitsNothing(t *testing.T) {
	srv := backendtest.New(t)
	srv.AddUser("a@x.com", "secret", ada)
	path := filepath.Join(t.TempDir(), "tokens.json")
	fb, err := tokenstore.NewFileBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(path+".tmp", 0o700); err != nil {
		t.Fatal(err)
	}
	store := tokenstore.New(fb, tokenstore.Key("portal", "p1"))
	c, _ := backend.New(srv.URL, "/api", "/sanctum/csrf-cookie")
	m := New(context.Background(), c, store, WithLogger(quietLogger()))

	if err := m.Login(context.Background(), "a@x.com", "secret"); err == nil {
		t.Fatal("expected persist error")
	}
	if s := m.Snapshot(); s.Token != "" || s.User != nil {
		t.Fatalf("expected no session in memory, got %+v", s)
	}
	if tok, ok := store.Read(context.Background()); ok {
		t.Fatalf("store kept %q after failed login", tok)
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	err := m.Register(ctx, RegisterInput{Name: "S", Email: "s@x.com", Password: "a", PasswordConfirmation: "b"})
	if !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected ErrPasswordMismatch, got %v", err)
	}
	if len(f.srv.Calls()) != 0 {
		t.Fatal("mismatch must be caught before any backend call")
	}

	if err := m.Register(ctx, RegisterInput{Name: "S", Email: "s@x.com", Password: "pw", PasswordConfirmation: "pw"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	s := m.Snapshot()
	if !s.IsAuthenticated() || s.User.Role != model.RoleStudent {
		t.Fatalf("expected student session, got %+v", s)
	}
	if f.stored(t) != s.Token {
		t.Fatal("store and memory disagree after register")
	}
}

func TestRegisterRejected(t *testing.T) {
	f := newFixture(t)
	f.srv.AddUser("taken@x.com", "pw", ada)
	m := f.manager(t)

	err := m.Register(context.Background(), RegisterInput{Name: "T", Email: "taken@x.com", Password: "pw", PasswordConfirmation: "pw", Role: "Admin"})
	if !errors.Is(err, ErrRegistrationRejected) {
		t.Fatalf("expected ErrRegistrationRejected, got %v", err)
	}
	assertUnauthenticated(t, m, f)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	f.srv.AddUser("a@x.com", "secret", ada)
	m := f.manager(t)
	if err := m.Login(context.Background(), "a@x.com", "secret"); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	tok := m.Token()

	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	assertUnauthenticated(t, m, f)
	if f.srv.Valid(tok) {
		t.Fatal("expected server-side invalidation")
	}
}

func TestLogoutClearsWhenServerTimesOut(t *testing.T) {
	f := newFixture(t)
	f.srv.AddUser("a@x.com", "secret", ada)
	m := f.manager(t, WithTimeout(80*time.Millisecond))
	if err := m.Login(context.Background(), "a@x.com", "secret"); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	f.srv.SetLogoutDelay(500 * time.Millisecond)
	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() should not surface the server failure, got %v", err)
	}
	assertUnauthenticated(t, m, f)
}

func TestLogoutWhenUnauthenticated(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	if len(f.srv.Calls()) != 0 {
		t.Fatal("expected no server call without a credential")
	}
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t)
	f.srv.AddUser("a@x.com", "secret", ada)
	m := f.manager(t)
	_ = m.Login(context.Background(), "a@x.com", "secret")
	tok := m.Token()

	if err := m.Invalidate(context.Background(), "stale-token", errors.New("401")); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}
	if !m.Snapshot().IsAuthenticated() {
		t.Fatal("a stale token must not invalidate the current session")
	}

	if err := m.Invalidate(context.Background(), tok, errors.New("401")); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}
	assertUnauthenticated(t, m, f)
}

func TestWait(t *testing.T) {
	f := newFixture(t)
	_ = f.store.Write(context.Background(), f.srv.Issue(ada))
	f.srv.SetMeDelay(100 * time.Millisecond)
	m := f.manager(t)

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if s, err := m.Wait(short); !errors.Is(err, context.DeadlineExceeded) || !s.Loading {
		t.Fatalf("expected loading snapshot and deadline error, got %+v, %v", s, err)
	}

	go func() { _ = m.Restore(context.Background()) }()
	s, err := m.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if s.Loading || !s.IsAuthenticated() {
		t.Fatalf("expected settled authenticated snapshot, got %+v", s)
	}
}

// gatedAPI blocks Me until the gate is closed and counts calls.
type gatedAPI struct {
	mu      sync.Mutex
	me      int
	entered chan struct{}
	gate    chan struct{}
	profile model.Profile
}

func newGatedAPI() *gatedAPI {
	return &gatedAPI{entered: make(chan struct{}, 16), gate: make(chan struct{}), profile: ada}
}

func (g *gatedAPI) PrimeCSRF(context.Context) error { return nil }
func (g *gatedAPI) Login(context.Context, string, string) (backend.TokenResponse, error) {
	return backend.TokenResponse{AccessToken: "new-token"}, nil
}
func (g *gatedAPI) Register(context.Context, backend.RegisterRequest) (backend.TokenResponse, error) {
	return backend.TokenResponse{AccessToken: "new-token"}, nil
}
func (g *gatedAPI) Logout(context.Context, string) error { return nil }
func (g *gatedAPI) Me(ctx context.Context, token string) (model.Profile, error) {
	g.mu.Lock()
	g.me++
	g.mu.Unlock()
	g.entered <- struct{}{}
	if token == "new-token" {
		return g.profile, nil
	}
	select {
	case <-g.gate:
		return g.profile, nil
	case <-ctx.Done():
		return model.Profile{}, ctx.Err()
	}
}

func (g *gatedAPI) meCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.me
}

func TestConcurrentRestoresShareOneResolution(t *testing.T) {
	api := newGatedAPI()
	store := tokenstore.New(tokenstore.NewMemoryBackend(), "k")
	_ = store.Write(context.Background(), "old-token")
	m := New(context.Background(), api, store, WithLogger(quietLogger()))

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	wg.Add(1)
	go func() { defer wg.Done(); errs <- m.Restore(context.Background()) }()
	<-api.entered
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); errs <- m.Restore(context.Background()) }()
	}
	time.Sleep(50 * time.Millisecond)
	close(api.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Restore() error: %v", err)
		}
	}
	if n := api.meCalls(); n != 1 {
		t.Fatalf("expected one /me call for concurrent restores, got %d", n)
	}
	if s := m.Snapshot(); s.Loading || !s.IsAuthenticated() {
		t.Fatalf("expected authenticated, got %+v", s)
	}
}

func TestLogoutDuringRestoreDiscardsResult(t *testing.T) {
	api := newGatedAPI()
	backendStore := tokenstore.NewMemoryBackend()
	store := tokenstore.New(backendStore, "k")
	_ = store.Write(context.Background(), "old-token")
	m := New(context.Background(), api, store, WithLogger(quietLogger()))

	done := make(chan error, 1)
	go func() { done <- m.Restore(context.Background()) }()
	<-api.entered

	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	close(api.gate)
	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}

	s := m.Snapshot()
	if s.Token != "" || s.User != nil || s.Loading {
		t.Fatalf("late resolution must not resurrect the session, got %+v", s)
	}
	if _, ok := store.Read(context.Background()); ok {
		t.Fatal("expected store to stay cleared")
	}
}

func TestLoginDuringRestoreWins(t *testing.T) {
	api := newGatedAPI()
	store := tokenstore.New(tokenstore.NewMemoryBackend(), "k")
	_ = store.Write(context.Background(), "old-token")
	m := New(context.Background(), api, store, WithLogger(quietLogger()))

	done := make(chan error, 1)
	go func() { done <- m.Restore(context.Background()) }()
	<-api.entered

	if err := m.Login(context.Background(), "a@x.com", "pw"); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	close(api.gate)
	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if tok := m.Token(); tok != "new-token" {
		t.Fatalf("expected login token to win, got %q", tok)
	}
	if tok, _ := store.Read(context.Background()); tok != "new-token" {
		t.Fatalf("expected store to hold login token, got %q", tok)
	}
}

type recordingNotifier struct {
	mu sync.Mutex
	ts []Transition
}

func (r *recordingNotifier) Notify(_ context.Context, t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ts = append(r.ts, t)
}

func (r *recordingNotifier) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ts))
	for _, t := range r.ts {
		out = append(out, t.Reason)
	}
	return out
}

func TestNotifierSeesLifecycle(t *testing.T) {
	f := newFixture(t)
	f.srv.AddUser("a@x.com", "secret", ada)
	rec := &recordingNotifier{}
	m := f.manager(t, WithNotifier(rec))

	_ = m.Login(context.Background(), "a@x.com", "wrong")
	_ = m.Login(context.Background(), "a@x.com", "secret")
	_ = m.Logout(context.Background())

	want := []string{ReasonLogin, ReasonLogout}
	if got := rec.reasons(); !reflect.DeepEqual(got, want) {
		t.Fatalf("reasons = %v, want %v", got, want)
	}
	if rec.ts[0].UserID != 1 || rec.ts[0].To != Authenticated {
		t.Fatalf("unexpected login transition %+v", rec.ts[0])
	}
}
