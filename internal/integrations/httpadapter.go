package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dsentr/dsentr/internal/graph"
	"github.com/dsentr/dsentr/internal/template"
)

const (
	httpMaxRetries        = 3
	httpBackoffBase       = 250 * time.Millisecond
	httpBackoffMax        = 2 * time.Second
	httpResponseBodyLimit = 1 << 20
)

// httpParams is the params shape for a generic HTTP action node.
type httpParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// HTTPAdapter performs generic outbound HTTP calls for action nodes whose
// data.provider is "http" or absent (not one of the named integrations). Handles 429
// Retry-After/backoff, terminal 4xx, retryable 5xx, and egress-allowlist
// enforcement ahead of any request being sent.
type HTTPAdapter struct {
	Egress EgressChecker
}

// Perform implements Adapter.
func (a *HTTPAdapter) Perform(ctx context.Context, node graph.Node, tmplCtx template.Context, secrets Secrets, httpClient *http.Client) (json.RawMessage, *string, error) {
	var p httpParams
	if err := json.Unmarshal(node.Data, &p); err != nil {
		return nil, nil, ValidationErr("decoding http action params: %v", err)
	}

	rendered := template.Render(p.URL, tmplCtx)
	u, err := url.Parse(rendered)
	if err != nil || u.Host == "" {
		return nil, nil, ValidationErr("invalid url %q", rendered)
	}
	if a.Egress != nil && !a.Egress.Allowed(u.Hostname()) {
		return nil, nil, PolicyErr(u.Hostname(), "host %q is not in the workflow's egress allowlist", u.Hostname())
	}

	method := p.Method
	if method == "" {
		method = http.MethodGet
	}
	body := template.Render(p.Body, tmplCtx)

	var lastErr error
	for attempt := 0; attempt <= httpMaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, rendered, bytes.NewReader([]byte(body)))
		if err != nil {
			return nil, nil, ValidationErr("building http request: %v", err)
		}
		for k, v := range p.Headers {
			req.Header.Set(k, template.Render(v, tmplCtx))
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = TransportErr("requesting %s: %v", u.Host, err)
			if !sleepBackoff(ctx, attempt, 0) {
				return nil, nil, ctx.Err()
			}
			continue
		}

		out, retryAfter, done, err := handleHTTPResponse(resp)
		if done {
			return out, nil, err
		}
		lastErr = err
		if !sleepBackoff(ctx, attempt, retryAfter) {
			return nil, nil, ctx.Err()
		}
	}

	return nil, nil, lastErr
}

// handleHTTPResponse classifies the response: done=true means the caller
// should stop retrying (success, or a terminal 4xx); done=false with a
// non-nil error means the caller should retry (429 or 5xx).
func handleHTTPResponse(resp *http.Response) (out json.RawMessage, retryAfter time.Duration, done bool, err error) {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, httpResponseBodyLimit))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return wrapHTTPOutput(resp.StatusCode, body), 0, true, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), false, TransportErr("rate limited (429): %s", truncate(body))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, 0, true, AuthErr(false, "auth failed (%d): %s", resp.StatusCode, truncate(body))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, 0, true, ValidationErr("request rejected (%d): %s", resp.StatusCode, truncate(body))
	default:
		return nil, 0, false, TransportErr("server error (%d): %s", resp.StatusCode, truncate(body))
	}
}

func wrapHTTPOutput(status int, body []byte) json.RawMessage {
	out := struct {
		Status int             `json:"status"`
		Body   json.RawMessage `json:"body,omitempty"`
	}{Status: status}

	if json.Valid(body) {
		out.Body = body
	} else if len(body) > 0 {
		b, _ := json.Marshal(string(body))
		out.Body = b
	}

	marshaled, _ := json.Marshal(out)
	return marshaled
}

func truncate(b []byte) string {
	const max = 500
	if len(b) > max {
		return string(b[:max]) + "…"
	}
	return string(b)
}

// Truncate exposes truncate for callers outside this package.
func Truncate(b []byte) string {
	return truncate(b)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		return time.Until(when)
	}
	return 0
}

// sleepBackoff sleeps for retryAfter if set, else exponential backoff capped
// at httpBackoffMax, returning false if ctx is canceled first.
func sleepBackoff(ctx context.Context, attempt int, retryAfter time.Duration) bool {
	d := retryAfter
	if d <= 0 {
		d = httpBackoffBase << attempt
		if d > httpBackoffMax {
			d = httpBackoffMax
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
