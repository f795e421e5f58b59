package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dsentr/dsentr/internal/graph"
	"github.com/dsentr/dsentr/internal/template"
)

const (
	notionVersion    = "2022-06-28"
	notionMaxRetries = 3
)

// notionParams is the params shape for a Notion action node. Operation
// selects the REST call shape; Path is appended to the Notion API base
// ("pages", "databases/{id}/query", ...); Body is the request payload,
// rendered through the template context before being sent.
type notionParams struct {
	ConnectionID string          `json:"connection_id"`
	Operation    string          `json:"operation"`
	Path         string          `json:"path"`
	Body         json.RawMessage `json:"body"`
}

const (
	notionOpCreatePage   = "create_page"
	notionOpUpdatePage   = "update_page"
	notionOpQueryDB      = "query_database"
	notionOpAppendBlocks = "append_blocks"
)

// NotionAdapter is a hand-rolled HTTP client for the Notion API; there is no
// official Go SDK to lean on.
type NotionAdapter struct {
	BaseURL string // defaults to https://api.notion.com/v1
}

func (a *NotionAdapter) baseURL() string {
	if a.BaseURL != "" {
		return a.BaseURL
	}
	return "https://api.notion.com/v1"
}

// Perform implements Adapter.
func (a *NotionAdapter) Perform(ctx context.Context, node graph.Node, tmplCtx template.Context, secrets Secrets, httpClient *http.Client) (json.RawMessage, *string, error) {
	var p notionParams
	if err := json.Unmarshal(node.Data, &p); err != nil {
		return nil, nil, ValidationErr("decoding notion action params: %v", err)
	}
	if p.ConnectionID == "" {
		return nil, nil, ValidationErr("notion action requires connection_id")
	}

	method, path, err := notionRequestShape(p)
	if err != nil {
		return nil, nil, err
	}

	token, err := secrets.OAuthAccessToken(ctx, p.ConnectionID)
	if err != nil {
		return nil, nil, AuthErr(false, "resolving notion token: %v", err)
	}

	rendered, err := renderNotionBody(p.Body, tmplCtx)
	if err != nil {
		return nil, nil, ValidationErr("rendering notion request body: %v", err)
	}

	url := a.baseURL() + "/" + path

	var lastErr error
	for attempt := 0; attempt <= notionMaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(rendered))
		if err != nil {
			return nil, nil, ValidationErr("building notion request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Notion-Version", notionVersion)
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = TransportErr("requesting notion api: %v", err)
			if !sleepBackoff(ctx, attempt, 0) {
				return nil, nil, ctx.Err()
			}
			continue
		}

		out, retryAfter, done, classified := classifyNotionResponse(resp)
		if done {
			return out, nil, classified
		}
		lastErr = classified
		if !sleepBackoff(ctx, attempt, retryAfter) {
			return nil, nil, ctx.Err()
		}
	}

	return nil, nil, lastErr
}

func notionRequestShape(p notionParams) (method, path string, err error) {
	if p.Path != "" {
		method := http.MethodPost
		if p.Operation == notionOpUpdatePage {
			method = http.MethodPatch
		}
		return method, p.Path, nil
	}

	switch p.Operation {
	case notionOpCreatePage:
		return http.MethodPost, "pages", nil
	case notionOpUpdatePage:
		return http.MethodPatch, "pages", nil
	case notionOpQueryDB:
		return http.MethodPost, "databases/query", nil
	case notionOpAppendBlocks:
		return http.MethodPatch, "blocks/children", nil
	default:
		return "", "", ValidationErr("unknown notion operation %q", p.Operation)
	}
}

// renderNotionBody walks the raw JSON body and renders any string leaf
// through the template engine, leaving structure and non-string values
// untouched.
func renderNotionBody(body json.RawMessage, tmplCtx template.Context) (json.RawMessage, error) {
	if len(body) == 0 {
		return []byte("{}"), nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("parsing body: %w", err)
	}
	rendered := renderNotionValue(v, tmplCtx)
	return json.Marshal(rendered)
}

func renderNotionValue(v any, tmplCtx template.Context) any {
	switch t := v.(type) {
	case string:
		return template.Render(t, tmplCtx)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = renderNotionValue(e, tmplCtx)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = renderNotionValue(e, tmplCtx)
		}
		return out
	default:
		return v
	}
}

func classifyNotionResponse(resp *http.Response) (out json.RawMessage, retryAfter time.Duration, done bool, err error) {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, httpResponseBodyLimit))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return json.RawMessage(body), 0, true, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), false, TransportErr("notion rate limited: %s", truncate(body))
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, 0, true, AuthErr(true, "notion authorization revoked: %s", truncate(body))
	case resp.StatusCode == http.StatusForbidden:
		return nil, 0, true, AuthErr(false, "notion access forbidden: %s", truncate(body))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, 0, true, ValidationErr("notion rejected request (%d): %s", resp.StatusCode, truncate(body))
	default:
		return nil, 0, false, TransportErr("notion server error (%d): %s", resp.StatusCode, truncate(body))
	}
}
