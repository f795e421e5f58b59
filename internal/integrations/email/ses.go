package email

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dsentr/dsentr/internal/integrations"
	"github.com/dsentr/dsentr/internal/template"
)

// sesVersion selects between SES's two outbound-email wire formats: v1 is a
// form-encoded AWS Signature V4 POST to "/", v2 is a signed JSON POST to
// "/v2/email/outbound-emails".
func sesVersion(params map[string]json.RawMessage) (string, error) {
	v := strings.ToLower(stringField(params, "sesVersion"))
	switch v {
	case "", "v2", "2", "ses v2", "api":
		return "v2", nil
	case "v1", "1", "ses v1", "classic":
		return "v1", nil
	default:
		return "", fmt.Errorf("unsupported sesVersion %q", v)
	}
}

func sesEndpointHost(region string, override string) string {
	if override != "" {
		return override
	}
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("email.%s.amazonaws.com", region)
}

func sendSES(ctx context.Context, httpClient *http.Client, cfg Config, rawParams json.RawMessage, tmplCtx template.Context) (json.RawMessage, *string, error) {
	params, err := unmarshalParams(rawParams)
	if err != nil {
		return nil, nil, integrations.ValidationErr("%v", err)
	}

	version, err := sesVersion(params)
	if err != nil {
		return nil, nil, integrations.ValidationErr("%v", err)
	}

	region := stringField(params, "awsRegion")
	if region == "" {
		region = stringField(params, "region")
	}
	accessKeyID := stringField(params, "awsAccessKey")
	if accessKeyID == "" {
		accessKeyID = stringField(params, "accessKeyId")
	}
	secretAccessKey := stringField(params, "awsSecretKey")
	if secretAccessKey == "" {
		secretAccessKey = stringField(params, "secretAccessKey")
	}
	if accessKeyID == "" || secretAccessKey == "" {
		return nil, nil, integrations.ValidationErr("AWS access key id and secret access key are required")
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
			return nil, nil, integrations.ValidationErr("subject is required for SES emails without a template")
		}
		if body == "" {
			return nil, nil, integrations.ValidationErr("message body is required for SES emails without a template")
		}
	}

	host := sesEndpointHost(region, cfg.AWSSESEndpoint)

	if version == "v1" {
		return sendSESv1(ctx, httpClient, host, region, accessKeyID, secretAccessKey, from, recipients, subject, body, tpl, params, tmplCtx)
	}
	return sendSESv2(ctx, httpClient, host, region, accessKeyID, secretAccessKey, from, recipients, subject, body, tpl, params, tmplCtx)
}

// sendSESv1 posts a form-encoded SendEmail request (SendTemplatedEmail when
// a template is named), signed with AWS Signature V4, to "/".
func sendSESv1(ctx context.Context, httpClient *http.Client, host, region, accessKeyID, secretAccessKey, from string, recipients []string, subject, body, tpl string, params map[string]json.RawMessage, tmplCtx template.Context) (json.RawMessage, *string, error) {
	form := url.Values{}
	form.Set("Version", "2010-12-01")
	form.Set("Source", from)
	for i, r := range recipients {
		form.Set(fmt.Sprintf("Destination.ToAddresses.member.%d", i+1), r)
	}
	if tpl != "" {
		form.Set("Action", "SendTemplatedEmail")
		form.Set("Template", tpl)
		data := "{}"
		if vars := renderedTemplateVariables(params, "templateVariables", tmplCtx); len(vars) > 0 {
			serialized, _ := json.Marshal(vars)
			data = string(serialized)
		}
		form.Set("TemplateData", data)
	} else {
		form.Set("Action", "SendEmail")
		form.Set("Message.Subject.Data", subject)
		form.Set("Message.Body.Text.Data", body)
	}

	payload := form.Encode()
	endpoint := "https://" + host + "/"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
	if err != nil {
		return nil, nil, integrations.ValidationErr("building SES v1 request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if err := signSigV4(req, []byte(payload), region, "ses", accessKeyID, secretAccessKey); err != nil {
		return nil, nil, integrations.ValidationErr("signing SES v1 request: %v", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, integrations.TransportErr("sending SES v1 request: %v", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, classifySESError(resp.StatusCode, respBody)
	}

	out, _ := json.Marshal(struct {
		Sent           bool   `json:"sent"`
		Service        string `json:"service"`
		Status         int    `json:"status"`
		RecipientCount int    `json:"recipient_count"`
	}{true, "SES", resp.StatusCode, len(recipients)})
	return out, nil, nil
}

type sesTemplateVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// sendSESv2 posts a signed JSON SendEmail request to
// "/v2/email/outbound-emails".
func sendSESv2(ctx context.Context, httpClient *http.Client, host, region, accessKeyID, secretAccessKey, from string, recipients []string, subject, body, tpl string, params map[string]json.RawMessage, tmplCtx template.Context) (json.RawMessage, *string, error) {
	content := map[string]any{}
	if tpl != "" {
		tmplContent := map[string]any{"TemplateName": tpl}
		if vars := renderedTemplateVariables(params, "templateVariables", tmplCtx); len(vars) > 0 {
			data, _ := json.Marshal(vars)
			tmplContent["TemplateData"] = string(data)
		}
		content["Template"] = tmplContent
	} else {
		content["Simple"] = map[string]any{
			"Subject": map[string]string{"Data": subject},
			"Body":    map[string]any{"Text": map[string]string{"Data": body}},
		}
	}

	reqBody := map[string]any{
		"FromEmailAddress": from,
		"Destination":      map[string]any{"ToAddresses": recipients},
		"Content":          content,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, integrations.ValidationErr("encoding SES v2 request: %v", err)
	}

	endpoint := "https://" + host + "/v2/email/outbound-emails"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, integrations.ValidationErr("building SES v2 request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := signSigV4(req, payload, region, "ses", accessKeyID, secretAccessKey); err != nil {
		return nil, nil, integrations.ValidationErr("signing SES v2 request: %v", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, integrations.TransportErr("sending SES v2 request: %v", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, classifySESError(resp.StatusCode, respBody)
	}

	var decoded struct {
		MessageID string `json:"MessageId"`
	}
	_ = json.Unmarshal(respBody, &decoded)

	out, _ := json.Marshal(struct {
		Sent           bool   `json:"sent"`
		Service        string `json:"service"`
		Status         int    `json:"status"`
		MessageID      string `json:"message_id,omitempty"`
		RecipientCount int    `json:"recipient_count"`
	}{true, "SES", resp.StatusCode, decoded.MessageID, len(recipients)})
	return out, nil, nil
}

func renderedTemplateVariables(params map[string]json.RawMessage, key string, tmplCtx template.Context) map[string]string {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	var vars []sesTemplateVar
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil
	}
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		k := strings.TrimSpace(v.Key)
		if k == "" {
			continue
		}
		out[k] = template.Render(v.Value, tmplCtx)
	}
	return out
}

func classifySESError(status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return integrations.AuthErr(false, "SES authorization failed (%d): %s", status, integrations.Truncate(body))
	case status >= 500:
		return integrations.TransportErr("SES request failed (%d): %s", status, integrations.Truncate(body))
	default:
		return integrations.ValidationErr("SES request failed (%d): %s", status, integrations.Truncate(body))
	}
}

// signSigV4 signs req in place with AWS Signature Version 4, adding the
// required x-amz-date and Authorization headers. body is the exact payload
// being sent (form-encoded for v1, JSON for v2), needed for the payload hash.
func signSigV4(req *http.Request, body []byte, region, service, accessKeyID, secretAccessKey string) error {
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	payloadHash := sha256Hex(body)
	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Host = req.URL.Host

	signedHeaders, canonicalHeaders := canonicalHeaderSet(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL.Path),
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, region, service)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := sigV4SigningKey(secretAccessKey, dateStamp, region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	authHeader := fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKeyID, credentialScope, signedHeaders, signature)
	req.Header.Set("Authorization", authHeader)

	return nil
}

func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

func canonicalHeaderSet(req *http.Request) (signedHeaders, canonicalHeaders string) {
	type kv struct{ key, value string }
	headers := []kv{
		{"content-type", req.Header.Get("Content-Type")},
		{"host", req.Host},
		{"x-amz-content-sha256", req.Header.Get("x-amz-content-sha256")},
		{"x-amz-date", req.Header.Get("x-amz-date")},
	}

	var names []string
	var b strings.Builder
	for _, h := range headers {
		if h.value == "" {
			continue
		}
		names = append(names, h.key)
		b.WriteString(h.key)
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(h.value))
		b.WriteByte('\n')
	}
	return strings.Join(names, ";"), b.String()
}

func sigV4SigningKey(secretAccessKey, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretAccessKey), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
