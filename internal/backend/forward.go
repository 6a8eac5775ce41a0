package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// forwardedHeaders are copied from the incoming request to the backend.
var forwardedHeaders = []string{"Accept", "Content-Type", "Accept-Language"}

// ErrPathOutsideAPI is returned by Forward for paths with ".." segments,
// which would resolve outside the API prefix.
var ErrPathOutsideAPI = errors.New("backend: forwarded path leaves the api prefix")

// Forward relays a collaborator request (course, student, schedule and
// opt-in/out calls) to the API path with token as bearer credential.  The
// caller owns the returned response body.
func (c *Client) Forward(ctx context.Context, method, path, rawQuery string, body io.Reader, header http.Header, token string) (*http.Response, error) {
	ctx, span := c.tracer.Start(ctx, "backend.forward", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return nil, ErrPathOutsideAPI
		}
	}
	u := c.endpoint(path)
	if u.Path != c.api.Path && !strings.HasPrefix(u.Path, strings.TrimSuffix(c.api.Path, "/")+"/") {
		return nil, ErrPathOutsideAPI
	}
	u.RawQuery = rawQuery
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.url", u.Redacted()))

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("backend forward: %w", err)
	}
	for _, h := range forwardedHeaders {
		if v := header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	c.decorate(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("backend forward: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}
