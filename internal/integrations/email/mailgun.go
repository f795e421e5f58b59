package email

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dsentr/dsentr/internal/integrations"
	"github.com/dsentr/dsentr/internal/template"
)

func sendMailgun(ctx context.Context, httpClient *http.Client, cfg Config, rawParams json.RawMessage, tmplCtx template.Context) (json.RawMessage, *string, error) {
	params, err := unmarshalParams(rawParams)
	if err != nil {
		return nil, nil, integrations.ValidationErr("%v", err)
	}

	domain := stringField(params, "domain")
	if domain == "" {
		return nil, nil, integrations.ValidationErr("Mailgun domain is required")
	}
	apiKey := stringField(params, "apiKey")
	if apiKey == "" {
		return nil, nil, integrations.ValidationErr("Mailgun API key is required")
	}
	region := stringField(params, "region")
	if region == "" {
		return nil, nil, integrations.ValidationErr("Mailgun region is required")
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
	tpl := stringField(params, "template")

	if tpl == "" {
		if subject == "" {
			return nil, nil, integrations.ValidationErr("subject is required for Mailgun emails without a template")
		}
		if body == "" {
			return nil, nil, integrations.ValidationErr("message body is required for Mailgun emails without a template")
		}
	}

	form := url.Values{}
	form.Set("from", from)
	form.Set("to", strings.Join(recipients, ", "))
	if tpl != "" {
		form.Set("template", tpl)
		if vars := renderedKVPairs(params, "variables", tmplCtx); len(vars) > 0 {
			if serialized, err := json.Marshal(vars); err == nil {
				form.Set("h:X-Mailgun-Variables", string(serialized))
			}
		}
	} else {
		form.Set("subject", subject)
		form.Set("text", body)
	}

	defaultBase := "https://api.mailgun.net"
	if strings.Contains(strings.ToLower(region), "eu") {
		defaultBase = "https://api.eu.mailgun.net"
	}
	base := strings.TrimRight(cfg.MailgunAPIBase, "/")
	if base == "" {
		base = defaultBase
	}

	reqURL := base + "/v3/" + strings.Trim(domain, "/") + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, integrations.ValidationErr("building Mailgun request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", apiKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, integrations.TransportErr("sending Mailgun request: %v", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, nil, integrations.AuthErr(false, "Mailgun authorization failed (%d): %s", resp.StatusCode, respBody)
		}
		if resp.StatusCode >= 500 {
			return nil, nil, integrations.TransportErr("Mailgun request failed (%d): %s", resp.StatusCode, respBody)
		}
		return nil, nil, integrations.ValidationErr("Mailgun request failed (%d): %s", resp.StatusCode, respBody)
	}

	messageID := resp.Header.Get("Message-Id")
	if messageID == "" {
		var decoded struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(respBody, &decoded) == nil {
			messageID = decoded.ID
		}
	}

	out, _ := json.Marshal(struct {
		Sent      bool   `json:"sent"`
		Service   string `json:"service"`
		Status    int    `json:"status"`
		MessageID string `json:"message_id,omitempty"`
	}{true, "Mailgun", resp.StatusCode, messageID})
	return out, nil, nil
}
