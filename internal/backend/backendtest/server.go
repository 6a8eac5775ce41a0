// Package backendtest provides an in-process fake of the training platform
// REST backend for tests: anti-forgery cookie, login, register, me, logout
// and a catch-all authenticated collaborator route.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/training-portal/internal/model"
)

const xsrfValue = "xsrf=fake+token"

type account struct {
	password string
	profile  model.Profile
}

// Server is a fake backend.  Zero-value failure knobs mean "behave".
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	accounts     map[string]account
	tokens       map[string]model.Profile
	nextID       uint64
	nextToken    int
	calls        []string
	csrfStatus   int
	meStatus     int
	logoutStatus int
	meDelay      time.Duration
	logoutDelay  time.Duration
	omitToken    bool
}

// New starts a fake backend; it is closed by t.Cleanup when t is non-nil.
func New(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		accounts: make(map[string]account),
		tokens:   make(map[string]model.Profile),
		nextID:   1,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/sanctum/csrf-cookie", s.csrf)
	mux.HandleFunc("/api/login", s.login)
	mux.HandleFunc("/api/register", s.register)
	mux.HandleFunc("/api/me", s.me)
	mux.HandleFunc("/api/logout", s.logout)
	mux.HandleFunc("/api/", s.collaborator)
	s.Server = httptest.NewServer(s.record(mux))
	if t != nil {
		t.Cleanup(s.Close)
	}
	return s
}

// AddUser registers an account the fake will accept at /login.
func (s *Server) AddUser(email, password string, p model.Profile) model.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.nextID
		s.nextID++
	}
	p.Email = email
	s.accounts[strings.ToLower(email)] = account{password: password, profile: p}
	return p
}

// Issue mints a valid token for p without a login call.
func (s *Server) Issue(p model.Profile) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(p)
}

// Revoke invalidates token server-side.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// Valid reports whether token is still accepted.
func (s *Server) Valid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[token]
	return ok
}

func (s *Server) FailCSRF(status int) { s.set(func() { s.csrfStatus = status }) }
func (s *Server) FailMe(status int) { s.set(func() { s.meStatus = status }) }
func (s *Server) FailLogout(status int) { s.set(func() { s.logoutStatus = status }) }
func (s *Server) SetMeDelay(d time.Duration) {
	s.set(func() { s.meDelay = d })
}
func (s *Server) SetLogoutDelay(d time.Duration) {
	s.set(func() { s.logoutDelay = d })
}

// OmitAccessToken makes login and register answer 200 without a token.
func (s *Server) OmitAccessToken() { s.set(func() { s.omitToken = true }) }

// Calls returns "METHOD /path" for every request received, in order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Count returns how many received calls equal call.
func (s *Server) Count(call string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (s *Server) set(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) issueLocked(p model.Profile) string {
	s.nextToken++
	tok := fmt.Sprintf("%d|fake-token-%d", s.nextToken, s.nextToken)
	s.tokens[tok] = p
	return tok
}

func (s *Server) csrf(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.csrfStatus
	s.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, map[string]string{"message": "csrf unavailable"})
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "XSRF-TOKEN", Value: url.QueryEscape(xsrfValue), Path: "/"})
	w.WriteHeader(http.StatusNoContent)
}

func xsrfOK(r *http.Request) bool {
	ck, err := r.Cookie("XSRF-TOKEN")
	if err != nil {
		return false
	}
	want, err := url.QueryUnescape(ck.Value)
	return err == nil && r.Header.Get("X-XSRF-TOKEN") == want
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !xsrfOK(r) {
		writeJSON(w, 419, map[string]string{"message": "CSRF token mismatch."})
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
		return
	}

	s.mu.Lock()
	acc, ok := s.accounts[strings.ToLower(req.Email)]
	if !ok || acc.password != req.Password {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid credentials"})
		return
	}
	tok := s.issueLocked(acc.profile)
	omit := s.omitToken
	s.mu.Unlock()

	if omit {
		tok = ""
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": tok, "token_type": "Bearer"})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !xsrfOK(r) {
		writeJSON(w, 419, map[string]string{"message": "CSRF token mismatch."})
		return
	}
	var req struct {
		Name                 string `json:"name"`
		Email                string `json:"email"`
		Password             string `json:"password"`
		PasswordConfirmation string `json:"password_confirmation"`
		Role                 string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
		return
	}
	if req.Password != req.PasswordConfirmation {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "The password field confirmation does not match.",
			"errors":  map[string][]string{"password": {"The password field confirmation does not match."}},
		})
		return
	}

	s.mu.Lock()
	if _, exists := s.accounts[strings.ToLower(req.Email)]; exists {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "The email has already been taken.",
			"errors":  map[string][]string{"email": {"The email has already been taken."}},
		})
		return
	}
	p := model.Profile{ID: s.nextID, Name: req.Name, Email: req.Email, Role: req.Role}
	s.nextID++
	s.accounts[strings.ToLower(req.Email)] = account{password: req.Password, profile: p}
	tok := s.issueLocked(p)
	omit := s.omitToken
	s.mu.Unlock()

	if omit {
		tok = ""
	}
	writeJSON(w, http.StatusCreated, map[string]string{"access_token": tok, "token_type": "Bearer"})
}

func (s *Server) bearer(r *http.Request) (model.Profile, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return model.Profile{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tokens[raw]
	return p, ok
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status, delay := s.meStatus, s.meDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeJSON(w, status, map[string]string{"message": "forced failure"})
		return
	}
	p, ok := s.bearer(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthenticated."})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status, delay := s.logoutStatus, s.logoutDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeJSON(w, status, map[string]string{"message": "forced failure"})
		return
	}
	if _, ok := s.bearer(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthenticated."})
		return
	}
	s.Revoke(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) collaborator(w http.ResponseWriter, r *http.Request) {
	p, ok := s.bearer(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthenticated."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"query":  r.URL.RawQuery,
		"user":   p.Email,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
