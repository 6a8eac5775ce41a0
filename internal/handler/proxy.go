package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/training-portal/internal/backend"
)

// Forwarder relays one request to the backend API.
type Forwarder interface {
	Forward(ctx context.Context, method, path, rawQuery string, body io.Reader, header http.Header, token string) (*http.Response, error)
}

// copiedResponseHeaders are relayed from the backend to the browser.
var copiedResponseHeaders = []string{"Content-Type", "Cache-Control", "Retry-After", "Location"}

// ProxyHandler is the authenticated forwarder used by collaborator pages.
// The profile's credential is injected per request; it is never exposed to
// the browser.
type ProxyHandler struct {
	Resolve Resolver
	// Prefix is the portal path the forwarder is mounted on, e.g. /api.
	Prefix string
}

func NewProxyHandler(resolve Resolver, prefix string) *ProxyHandler {
	return &ProxyHandler{Resolve: resolve, Prefix: "/" + strings.Trim(prefix, "/")}
}

// Forward relays the request.  A 401 or 419 from the backend means the
// credential is no longer accepted, so the profile's session is invalidated
// before the status is passed on.
func (h *ProxyHandler) Forward(c echo.Context) error {
	m, err := h.Resolve(c)
	if err != nil {
		return err
	}
	tok := m.Token()
	if tok == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "Unauthenticated."})
	}
	fw, ok := m.Backend().(Forwarder)
	if !ok {
		return echo.NewHTTPError(http.StatusNotImplemented, "forwarding unavailable")
	}

	req := c.Request()
	path := strings.TrimPrefix(req.URL.Path, h.Prefix)
	resp, err := fw.Forward(req.Context(), req.Method, path, req.URL.RawQuery, req.Body, req.Header, tok)
	if errors.Is(err, backend.ErrPathOutsideAPI) {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid path"})
	}
	if err != nil {
		c.Logger().Warnf("forward %s %s: %v", req.Method, path, err)
		return c.JSON(http.StatusBadGateway, echo.Map{"message": "backend unavailable"})
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == 419 {
		cause := fmt.Errorf("forward %s %s: %w", req.Method, path, &backend.APIError{Op: "forward", Status: resp.StatusCode})
		if err := m.Invalidate(req.Context(), tok, cause); err != nil {
			c.Logger().Errorf("invalidate after %d: %v", resp.StatusCode, err)
		}
	}

	for _, k := range copiedResponseHeaders {
		if v := resp.Header.Get(k); v != "" {
			c.Response().Header().Set(k, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	_, err = io.Copy(c.Response(), resp.Body)
	return err
}
