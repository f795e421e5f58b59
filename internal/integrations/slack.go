package integrations

import (
	"context"
	"encoding/json"
	"net/http"

	goslack "github.com/slack-go/slack"

	"github.com/dsentr/dsentr/internal/graph"
	"github.com/dsentr/dsentr/internal/template"
)

// slackParams is the params shape for a Slack action node.
type slackParams struct {
	ConnectionID string `json:"connection_id"`
	Channel      string `json:"channel"`
	Text         string `json:"text"`
	ThreadTS     string `json:"thread_ts"`
}

// SlackAdapter posts a message to a Slack channel using a user's OAuth
// connection, grounded on the same goslack.New/PostMessageContext shape the
// rest of this codebase already uses for notifications.
type SlackAdapter struct{}

// Perform implements Adapter.
func (SlackAdapter) Perform(ctx context.Context, node graph.Node, tmplCtx template.Context, secrets Secrets, httpClient *http.Client) (json.RawMessage, *string, error) {
	var p slackParams
	if err := json.Unmarshal(node.Data, &p); err != nil {
		return nil, nil, ValidationErr("decoding slack action params: %v", err)
	}
	if p.ConnectionID == "" {
		return nil, nil, ValidationErr("slack action requires connection_id")
	}
	channel := template.Render(p.Channel, tmplCtx)
	if channel == "" {
		return nil, nil, ValidationErr("slack action requires channel")
	}
	text := template.Render(p.Text, tmplCtx)

	token, err := secrets.OAuthAccessToken(ctx, p.ConnectionID)
	if err != nil {
		return nil, nil, AuthErr(false, "resolving slack token: %v", err)
	}

	client := goslack.New(token, goslack.OptionHTTPClient(httpClient))

	opts := []goslack.MsgOption{goslack.MsgOptionText(text, false)}
	if ts := template.Render(p.ThreadTS, tmplCtx); ts != "" {
		opts = append(opts, goslack.MsgOptionTS(ts))
	}

	channelID, ts, err := client.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return nil, nil, classifySlackErr(err)
	}

	out, _ := json.Marshal(struct {
		ChannelID string `json:"channel_id"`
		TS        string `json:"ts"`
	}{channelID, ts})
	return out, nil, nil
}

// classifySlackErr maps the slack-go error (typically a bare string like
// "invalid_auth" or "channel_not_found") to the adapter's taxonomy.
func classifySlackErr(err error) error {
	msg := err.Error()
	switch msg {
	case "invalid_auth", "account_inactive", "token_revoked", "not_authed":
		return AuthErr(true, "slack authorization failed: %s", msg)
	case "channel_not_found", "not_in_channel", "is_archived", "msg_too_long", "no_text":
		return ValidationErr("slack rejected message: %s", msg)
	case "rate_limited":
		return TransportErr("slack rate limited")
	default:
		return TransportErr("posting to slack: %s", msg)
	}
}
