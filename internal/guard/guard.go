// Package guard decides whether a protected page may render for the current
// session and enforces that decision as echo middleware.
package guard

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/training-portal/internal/authz"
	"github.com/iliyamo/training-portal/internal/session"
)

// Decision is the outcome for a protected route.
type Decision int

const (
	// Wait means identity resolution is in progress; render nothing
	// protected and nothing that redirects.
	Wait Decision = iota
	RedirectLogin
	Allow
)

func (d Decision) String() string {
	switch d {
	case Wait:
		return "wait"
	case RedirectLogin:
		return "redirect_login"
	default:
		return "allow"
	}
}

// Decide is evaluated on every state change.  It never redirects while the
// session is loading.
func Decide(s session.Snapshot) Decision {
	switch {
	case s.Loading:
		return Wait
	case s.User == nil:
		return RedirectLogin
	default:
		return Allow
	}
}

// Context keys set by Protect.
const (
	SnapshotKey     = "session"
	CapabilitiesKey = "capabilities"
)

// DefaultWait is how long Protect holds a request for a pending resolution.
const DefaultWait = 3 * time.Second

// Resolver returns the session manager of the client profile that sent the
// request.
type Resolver func(c echo.Context) (*session.Manager, error)

type Options struct {
	// Wait bounds how long a request waits for a pending resolution before
	// the waiting page is served.  Zero means DefaultWait.
	Wait          time.Duration
	LoginPath     string
	DashboardPath string
}

func (o Options) withDefaults() Options {
	if o.Wait <= 0 {
		o.Wait = DefaultWait
	}
	if o.LoginPath == "" {
		o.LoginPath = "/login"
	}
	if o.DashboardPath == "" {
		o.DashboardPath = authz.RouteDashboard
	}
	return o
}

// settle returns the snapshot after waiting up to wait for a pending
// resolution.
func settle(ctx context.Context, m *session.Manager, wait time.Duration) session.Snapshot {
	s := m.Snapshot()
	if !s.Loading {
		return s
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	s, _ = m.Wait(ctx)
	return s
}

// Protect guards a group of pages.  Allowed requests carry the snapshot and
// capabilities in the echo context under SnapshotKey and CapabilitiesKey.
func Protect(resolve Resolver, opts Options) echo.MiddlewareFunc {
	opts = opts.withDefaults()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m, err := resolve(c)
			if err != nil {
				c.Logger().Errorf("guard: resolve session: %v", err)
				return echo.NewHTTPError(http.StatusServiceUnavailable, "session unavailable")
			}

			s := settle(c.Request().Context(), m, opts.Wait)
			switch Decide(s) {
			case Wait:
				return waitingPage(c)
			case RedirectLogin:
				return c.Redirect(http.StatusSeeOther, opts.LoginPath)
			}
			c.Set(SnapshotKey, s)
			c.Set(CapabilitiesKey, authz.CapabilitiesFor(s.User))
			return next(c)
		}
	}
}

// RequireCapability sends authenticated users whose role lacks route to the
// dashboard.  It must run after Protect.
func RequireCapability(route string, opts Options) echo.MiddlewareFunc {
	opts = opts.withDefaults()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			caps, ok := CapabilitiesFrom(c)
			if !ok {
				return c.Redirect(http.StatusSeeOther, opts.LoginPath)
			}
			if !caps.Allows(route) {
				return c.Redirect(http.StatusSeeOther, opts.DashboardPath)
			}
			return next(c)
		}
	}
}

// RedirectAuthenticated sends a signed-in user away from public pages such
// as the login form.
func RedirectAuthenticated(resolve Resolver, opts Options) echo.MiddlewareFunc {
	opts = opts.withDefaults()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m, err := resolve(c)
			if err != nil {
				return next(c)
			}
			if s := settle(c.Request().Context(), m, opts.Wait); Decide(s) == Allow {
				return c.Redirect(http.StatusSeeOther, opts.DashboardPath)
			}
			return next(c)
		}
	}
}

// SnapshotFrom returns the snapshot Protect stored on c.
func SnapshotFrom(c echo.Context) (session.Snapshot, bool) {
	s, ok := c.Get(SnapshotKey).(session.Snapshot)
	return s, ok
}

// CapabilitiesFrom returns the capabilities Protect stored on c.
func CapabilitiesFrom(c echo.Context) (authz.Capabilities, bool) {
	caps, ok := c.Get(CapabilitiesKey).(authz.Capabilities)
	return caps, ok
}

const waitingHTML = `<!doctype html>
<html><head><meta charset="utf-8"><title>Loading</title></head>
<body><p>Loading&hellip;</p></body></html>`

// waitingPage is neutral: no protected content and no redirect.  The
// browser retries after a second.
func waitingPage(c echo.Context) error {
	h := c.Response().Header()
	h.Set("Cache-Control", "no-store")
	h.Set("Refresh", "1")
	return c.HTML(http.StatusOK, waitingHTML)
}
