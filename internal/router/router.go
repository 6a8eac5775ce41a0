package router // package router defines how HTTP routes are registered for the portal

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/training-portal/internal/authz"
	"github.com/iliyamo/training-portal/internal/config"
	"github.com/iliyamo/training-portal/internal/guard"
	"github.com/iliyamo/training-portal/internal/handler"
	"github.com/iliyamo/training-portal/internal/middleware"
	"github.com/iliyamo/training-portal/internal/session"
)

// DefaultProxyPrefix is where the authenticated forwarder is mounted.
const DefaultProxyPrefix = "/api"

// Deps are the collaborators the routes need.
type Deps struct {
	Registry  *session.Registry
	Profile   middleware.ProfileConfig
	RateLimit config.RateLimitConfig
	// Redis backs the login throttle; nil disables it.
	Redis       *redis.Client
	GuardWait   time.Duration
	ProxyPrefix string
	// Metrics serves /metrics when non-nil.
	Metrics http.Handler
}

// RegisterRoutes registers every portal route on e.
//
// Public: /healthz, /metrics, /login, /register.  Every other page sits
// behind the profile cookie and the route guard; collaborator sections
// additionally require the matching capability.  Unknown pages fall back
// to the dashboard.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", handler.Health)
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics))
	}

	profile := middleware.ProfileCookie(d.Profile)
	resolve := middleware.SessionResolver(d.Registry)
	opts := guard.Options{Wait: d.GuardWait}
	signedOut := guard.RedirectAuthenticated(resolve, opts)
	throttle := middleware.NewTokenBucket(d.RateLimit, d.Redis, handler.TooManyAttempts)

	// Login and registration forms.  Signed-in profiles go to the dashboard.
	auth := handler.NewAuthHandler(resolve)
	e.GET("/login", auth.LoginForm, profile, signedOut)
	e.POST("/login", auth.Login, profile, signedOut, throttle)
	e.GET("/register", auth.RegisterForm, profile, signedOut)
	e.POST("/register", auth.Register, profile, signedOut, throttle)
	e.POST("/logout", auth.Logout, profile)

	// Protected pages.
	protect := guard.Protect(resolve, opts)
	e.GET(authz.RouteDashboard, handler.Dashboard, profile, protect)
	for _, s := range handler.Sections {
		e.GET(s.Route, handler.SectionPage(s), profile, protect, guard.RequireCapability(s.Route, opts))
	}
	e.GET("/", handler.ToDashboard)
	e.RouteNotFound("/*", handler.ToDashboard)

	// Collaborator API calls, forwarded with the profile's credential.
	prefix := d.ProxyPrefix
	if prefix == "" {
		prefix = DefaultProxyPrefix
	}
	prefix = "/" + strings.Trim(prefix, "/")
	proxy := handler.NewProxyHandler(resolve, prefix)
	e.Any(prefix+"/*", proxy.Forward, profile)
}
