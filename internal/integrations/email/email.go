// Package email implements the email action adapter: one provider-specific
// sender per emailProvider value, dispatched from the node's params.
package email

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dsentr/dsentr/internal/graph"
	"github.com/dsentr/dsentr/internal/integrations"
	"github.com/dsentr/dsentr/internal/template"
)

const (
	ProviderSMTP     = "smtp"
	ProviderSendGrid = "sendgrid"
	ProviderMailgun  = "mailgun"
	ProviderSES      = "amazon_ses"
)

// Config carries the env-driven pieces the adapters need that aren't part of
// the node's own params: API base overrides and the SES endpoint override.
type Config struct {
	SendgridAPIBase string
	MailgunAPIBase  string
	AWSSESEndpoint  string
}

// Adapter dispatches an email action node to the provider named in
// node.Data's emailProvider field.
type Adapter struct {
	Config Config
}

type nodeData struct {
	EmailProvider string          `json:"emailProvider"`
	Timeout       int64           `json:"timeout"`
	Params        json.RawMessage `json:"params"`
}

// Perform implements integrations.Adapter.
func (a *Adapter) Perform(ctx context.Context, node graph.Node, tmplCtx template.Context, secrets integrations.Secrets, httpClient *http.Client) (json.RawMessage, *string, error) {
	var nd nodeData
	if err := json.Unmarshal(node.Data, &nd); err != nil {
		return nil, nil, integrations.ValidationErr("decoding email node: %v", err)
	}

	timeoutMs := nd.Timeout
	if timeoutMs <= 0 {
		timeoutMs = 30_000
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	provider := strings.ToLower(strings.TrimSpace(nd.EmailProvider))
	switch provider {
	case ProviderSMTP:
		return sendSMTP(ctx, nd.Params, tmplCtx)
	case ProviderSendGrid:
		return sendSendGrid(ctx, httpClient, a.Config, nd.Params, tmplCtx)
	case ProviderMailgun:
		return sendMailgun(ctx, httpClient, a.Config, nd.Params, tmplCtx)
	case ProviderSES:
		return sendSES(ctx, httpClient, a.Config, nd.Params, tmplCtx)
	default:
		return nil, nil, integrations.ValidationErr("unsupported email service %q", nd.EmailProvider)
	}
}

// isValidEmailAddress applies the same conservative shape check as the
// system this adapter replaces: one "@", non-empty local/domain parts, a dot
// in the domain that isn't leading/trailing, and no embedded space character
// (surrounding whitespace is trimmed first).
func isValidEmailAddress(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.ContainsRune(trimmed, ' ') {
		return false
	}
	parts := strings.Split(trimmed, "@")
	if len(parts) != 2 {
		return false
	}
	local, domain := parts[0], parts[1]
	if local == "" || domain == "" {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	return strings.Contains(domain, ".")
}

// parseRecipientList splits a comma-separated recipient string, validating
// and de-duplicating (case-insensitively) each entry.
func parseRecipientList(raw string) ([]string, error) {
	seen := make(map[string]struct{})
	var recipients []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !isValidEmailAddress(entry) {
			return nil, fmt.Errorf("invalid recipient email: %s", entry)
		}
		lowered := strings.ToLower(entry)
		if _, ok := seen[lowered]; ok {
			continue
		}
		seen[lowered] = struct{}{}
		recipients = append(recipients, entry)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("recipient email(s) required")
	}
	return recipients, nil
}

func renderedOrEmpty(params map[string]json.RawMessage, key string, tmplCtx template.Context) string {
	raw, ok := params[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return template.Render(s, tmplCtx)
}

func stringField(params map[string]json.RawMessage, key string) string {
	raw, ok := params[key]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return strings.TrimSpace(s)
}

type kvPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func renderedKVPairs(params map[string]json.RawMessage, key string, tmplCtx template.Context) map[string]string {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	var pairs []kvPair
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k := strings.TrimSpace(p.Key)
		if k == "" {
			continue
		}
		out[k] = template.Render(p.Value, tmplCtx)
	}
	return out
}

func unmarshalParams(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing params: %w", err)
	}
	return m, nil
}
