package email

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/dsentr/dsentr/internal/integrations"
	"github.com/dsentr/dsentr/internal/template"
)

func sendSendGrid(ctx context.Context, httpClient *http.Client, cfg Config, rawParams json.RawMessage, tmplCtx template.Context) (json.RawMessage, *string, error) {
	params, err := unmarshalParams(rawParams)
	if err != nil {
		return nil, nil, integrations.ValidationErr("%v", err)
	}

	apiKey := stringField(params, "apiKey")
	if apiKey == "" {
		return nil, nil, integrations.ValidationErr("SendGrid API key is required")
	}
	from := stringField(params, "from")
	if from == "" || !isValidEmailAddress(from) {
		return nil, nil, integrations.ValidationErr("invalid from email address")
	}
	recipients, err := parseRecipientList(stringField(params, "to"))
	if err != nil {
		return nil, nil, integrations.ValidationErr("%v", err)
	}

	subject := renderedOrEmpty(params, "subject", tmplCtx)
	body := renderedOrEmpty(params, "body", tmplCtx)
	templateID := stringField(params, "templateId")

	if templateID == "" {
		if subject == "" {
			return nil, nil, integrations.ValidationErr("subject is required for SendGrid emails without a template")
		}
		if body == "" {
			return nil, nil, integrations.ValidationErr("message body is required for SendGrid emails without a template")
		}
	}

	to := make([]map[string]string, len(recipients))
	for i, r := range recipients {
		to[i] = map[string]string{"email": r}
	}
	personalization := map[string]any{"to": to}
	if templateID == "" {
		personalization["subject"] = subject
	}
	if substitutions := renderedKVPairs(params, "substitutions", tmplCtx); len(substitutions) > 0 {
		personalization["dynamic_template_data"] = substitutions
	}

	requestBody := map[string]any{
		"from":             map[string]string{"email": from},
		"personalizations": []any{personalization},
	}
	if templateID != "" {
		requestBody["template_id"] = templateID
	} else {
		requestBody["content"] = []any{map[string]string{"type": "text/plain", "value": body}}
	}

	base := strings.TrimRight(cfg.SendgridAPIBase, "/")
	if base == "" {
		base = "https://api.sendgrid.com/v3"
	}
	payload, _ := json.Marshal(requestBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/mail/send", bytes.NewReader(payload))
	if err != nil {
		return nil, nil, integrations.ValidationErr("building SendGrid request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, integrations.TransportErr("sending SendGrid request: %v", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, nil, integrations.AuthErr(false, "SendGrid authorization failed (%d): %s", resp.StatusCode, respBody)
		}
		if resp.StatusCode >= 500 {
			return nil, nil, integrations.TransportErr("SendGrid request failed (%d): %s", resp.StatusCode, respBody)
		}
		return nil, nil, integrations.ValidationErr("SendGrid request failed (%d): %s", resp.StatusCode, respBody)
	}

	out, _ := json.Marshal(struct {
		Sent      bool   `json:"sent"`
		Service   string `json:"service"`
		Status    int    `json:"status"`
		MessageID string `json:"message_id,omitempty"`
	}{true, "SendGrid", resp.StatusCode, resp.Header.Get("X-Message-Id")})
	return out, nil, nil
}
