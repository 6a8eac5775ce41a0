package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/training-portal/internal/backend"
	"github.com/iliyamo/training-portal/internal/backend/backendtest"
	"github.com/iliyamo/training-portal/internal/config"
	"github.com/iliyamo/training-portal/internal/session"
	"github.com/iliyamo/training-portal/internal/tokenstore"
	"github.com/iliyamo/training-portal/internal/utils"
)

func newEcho() *echo.Echo {
	e := echo.New()
	l := log.New("test")
	l.SetOutput(io.Discard)
	e.Logger = l
	return e
}

func profileEcho(cfg ProfileConfig) *echo.Echo {
	e := newEcho()
	e.Use(ProfileCookie(cfg))
	e.GET("/", func(c echo.Context) error { return c.String(http.StatusOK, profileID(c)) })
	return e
}

func TestProfileCookieIssuesNewProfile(t *testing.T) {
	e := profileEcho(ProfileConfig{Secret: "s", CookieName: "pp", Secure: true})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	res := rec.Result()
	cookies := res.Cookies()
	if len(cookies) != 1 || cookies[0].Name != "pp" {
		t.Fatalf("expected one profile cookie, got %v", cookies)
	}
	ck := cookies[0]
	if !ck.HttpOnly || !ck.Secure || ck.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected cookie attributes %+v", ck)
	}
	id, err := utils.ParseProfileToken("s", ck.Value)
	if err != nil {
		t.Fatalf("cookie does not parse: %v", err)
	}
	if rec.Body.String() != id {
		t.Fatalf("context id %q differs from cookie id %q", rec.Body.String(), id)
	}
}

func TestProfileCookieReusesValidProfile(t *testing.T) {
	e := profileEcho(ProfileConfig{Secret: "s", CookieName: "pp"})
	id := utils.NewProfileID()
	pt, _ := utils.NewProfileToken("s", id, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "pp", Value: pt.Token})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Body.String() != id {
		t.Fatalf("expected profile %q, got %q", id, rec.Body.String())
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("a valid cookie must not be reissued")
	}
}

func TestProfileCookieReplacesForgedProfile(t *testing.T) {
	e := profileEcho(ProfileConfig{Secret: "s", CookieName: "pp"})
	forged, _ := utils.NewProfileToken("attacker", utils.NewProfileID(), time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "pp", Value: forged.Token})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected a replacement cookie, got %v", cookies)
	}
	if id, err := utils.ParseProfileToken("s", cookies[0].Value); err != nil || id != rec.Body.String() {
		t.Fatalf("replacement cookie invalid: %v", err)
	}
}

func TestSessionResolver(t *testing.T) {
	srv := backendtest.New(t)
	mem := tokenstore.NewMemoryBackend()
	reg := session.NewRegistry(func(ctx context.Context, id string) (*session.Manager, error) {
		c, err := backend.New(srv.URL, "/api", "/sanctum/csrf-cookie")
		if err != nil {
			return nil, err
		}
		return session.New(ctx, c, tokenstore.New(mem, tokenstore.Key("portal", id)), session.WithProfileID(id)), nil
	}, nil, nil)
	resolve := SessionResolver(reg)

	e := newEcho()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if _, err := resolve(c); err != ErrNoProfile {
		t.Fatalf("expected ErrNoProfile, got %v", err)
	}

	c.Set(ProfileIDKey, "p1")
	m1, err := resolve(c)
	if err != nil {
		t.Fatalf("resolve() error: %v", err)
	}
	if m1.ProfileID() != "p1" {
		t.Fatalf("unexpected profile %q", m1.ProfileID())
	}
	m2, _ := resolve(c)
	if m1 != m2 || reg.Len() != 1 {
		t.Fatal("expected the same manager for the same profile")
	}
}

func TestBuildRateKey(t *testing.T) {
	e := newEcho()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.1")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/login")
	c.Set(ProfileIDKey, "p1")

	cases := map[string]string{
		"ip":            "rl:ip:10.0.0.1",
		"profile":       "rl:profile:p1",
		"ip_route":      "rl:ip:10.0.0.1:route:POST /login",
		"profile_route": "rl:profile:p1:route:POST /login",
		"":              "rl:ip:10.0.0.1:profile:p1:route:POST /login",
	}
	for strategy, want := range cases {
		got := buildRateKey(config.RateLimitConfig{Prefix: "rl", KeyStrategy: strategy}, c)
		if got != want {
			t.Errorf("strategy %q: got %q, want %q", strategy, got, want)
		}
	}
}

func TestTokenBucketFailsOpen(t *testing.T) {
	// Nothing listens on this port; the script errors and the request passes.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	cfg := config.RateLimitConfig{Enabled: true, Capacity: 1, RefillTokens: 1, RefillInterval: time.Second, TTL: time.Minute, Prefix: "rl"}
	for _, client := range []*redis.Client{nil, rdb} {
		e := newEcho()
		e.POST("/login", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, NewTokenBucket(cfg, client, nil))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected request to pass, got %d", rec.Code)
		}
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[int64]int{0: 0, 1: 1, 999: 1, 1000: 1, 1001: 2, -5: 0}
	for ms, want := range cases {
		if got := retryAfterSeconds(ms); got != want {
			t.Errorf("retryAfterSeconds(%d) = %d, want %d", ms, got, want)
		}
	}
}
