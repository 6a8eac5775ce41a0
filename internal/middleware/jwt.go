package middleware // middleware provides shared request processing for handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/training-portal/internal/session"
	"github.com/iliyamo/training-portal/internal/utils"
)

// Context keys.
const (
	ProfileIDKey = "profile_id"
	managerKey   = "session_manager"
)

// ErrNoProfile means ProfileCookie did not run for the request.
var ErrNoProfile = errors.New("no client profile on request")

// ProfileConfig configures the signed profile cookie.
type ProfileConfig struct {
	Secret     string
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// ProfileCookie identifies the browser as a client profile.  A valid signed
// cookie yields its profile id; a missing, expired or forged one is replaced
// with a fresh id, which starts an unauthenticated session.  The id is
// stored in the context under ProfileIDKey.
func ProfileCookie(cfg ProfileConfig) echo.MiddlewareFunc {
	if cfg.CookieName == "" {
		cfg.CookieName = "portal_profile"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var id string
			if ck, err := c.Cookie(cfg.CookieName); err == nil {
				if v, err := utils.ParseProfileToken(cfg.Secret, ck.Value); err == nil {
					id = v
				}
			}
			if id == "" {
				id = utils.NewProfileID()
				pt, err := utils.NewProfileToken(cfg.Secret, id, cfg.TTL)
				if err != nil {
					c.Logger().Errorf("profile cookie: sign: %v", err)
					return echo.NewHTTPError(http.StatusInternalServerError, "could not start a session")
				}
				c.SetCookie(&http.Cookie{
					Name:     cfg.CookieName,
					Value:    pt.Token,
					Path:     "/",
					Expires:  pt.Exp,
					HttpOnly: true,
					Secure:   cfg.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			c.Set(ProfileIDKey, id)
			return next(c)
		}
	}
}

// SessionResolver returns the session manager of the request's client
// profile, looked up once per request in reg.
func SessionResolver(reg *session.Registry) func(c echo.Context) (*session.Manager, error) {
	return func(c echo.Context) (*session.Manager, error) {
		if m, ok := c.Get(managerKey).(*session.Manager); ok {
			return m, nil
		}
		id, ok := c.Get(ProfileIDKey).(string)
		if !ok || id == "" {
			return nil, ErrNoProfile
		}
		m, err := reg.Get(c.Request().Context(), id)
		if err != nil {
			return nil, err
		}
		c.Set(managerKey, m)
		return m, nil
	}
}
