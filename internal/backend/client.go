// Package backend is the HTTP client of the training platform REST API.
//
// Bearer credentials are never installed on the client: every authenticated
// call takes the token explicitly, so the caller's session state is the only
// thing deciding what goes on the wire.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"
)

const tracerName = "github.com/iliyamo/training-portal/internal/backend"

const (
	xsrfCookie = "XSRF-TOKEN"
	xsrfHeader = "X-XSRF-TOKEN"
)

// Client talks to one backend.  It owns a cookie jar, so a Client must not
// be shared between client profiles.
type Client struct {
	origin  *url.URL
	api     *url.URL
	csrfURL *url.URL
	http    *http.Client
	tracer  trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.  A cookie jar is
// installed when the given client has none.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// New builds a client for backendURL (scheme+host), apiPrefix (e.g. /api)
// and csrfPath (e.g. /sanctum/csrf-cookie).
func New(backendURL, apiPrefix, csrfPath string, opts ...Option) (*Client, error) {
	origin, err := url.Parse(strings.TrimRight(backendURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("backend url %q must include scheme and host", backendURL)
	}
	c := &Client{
		origin:  origin,
		api:     origin.JoinPath(strings.Trim(apiPrefix, "/")),
		csrfURL: origin.JoinPath(strings.Trim(csrfPath, "/")),
		tracer:  otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, err
		}
		c.http.Jar = jar
	}
	return c, nil
}

// Origin returns the backend origin.
func (c *Client) Origin() string { return c.origin.String() }

func (c *Client) endpoint(path string) *url.URL {
	return c.api.JoinPath(strings.TrimPrefix(path, "/"))
}

// newRequest builds a JSON request.  token, when non-empty, is sent as a
// bearer credential.  State-changing methods echo the anti-forgery cookie.
func (c *Client) newRequest(ctx context.Context, method string, u *url.URL, body any, token string) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.decorate(req, token)
	return req, nil
}

func (c *Client) decorate(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Del("Authorization")
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return
	}
	if v := c.xsrfToken(req.URL); v != "" {
		req.Header.Set(xsrfHeader, v)
	}
}

func (c *Client) xsrfToken(u *url.URL) string {
	for _, ck := range c.http.Jar.Cookies(u) {
		if ck.Name != xsrfCookie {
			continue
		}
		if v, err := url.QueryUnescape(ck.Value); err == nil {
			return v
		}
		return ck.Value
	}
	return ""
}

// do sends a JSON request and decodes a 2xx body into out (when non-nil).
func (c *Client) do(ctx context.Context, op, method string, u *url.URL, body any, token string, out any) error {
	ctx, span := c.tracer.Start(ctx, "backend."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", u.Redacted()),
		attribute.Bool("portal.authenticated", token != ""),
	)

	req, err := c.newRequest(ctx, method, u, body, token)
	if err != nil {
		return fmt.Errorf("backend %s: %w", op, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return fmt.Errorf("backend %s: %w", op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newAPIError(op, resp)
		span.SetStatus(codes.Error, apiErr.Error())
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		return fmt.Errorf("backend %s: decode response: %w", op, err)
	}
	return nil
}
