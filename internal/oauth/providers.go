package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// Provider names recognized by the manager. Slack is refreshed via its own
// endpoint but its connections are never propagated to workspace copies on
// refresh (each refreshes independently).
const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
	ProviderAsana     = "asana"
	ProviderSlack     = "slack"
)

// RefreshResult is what a provider refresh yields back to the manager.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// asanaEndpoint is Asana's OAuth token endpoint; the library has no built-in
// endpoint constant for it the way it does for Google/Microsoft.
var asanaEndpoint = oauth2.Endpoint{
	AuthURL:  "https://app.asana.com/-/oauth_authorize",
	TokenURL: "https://app.asana.com/-/oauth_token",
}

var slackEndpoint = oauth2.Endpoint{
	AuthURL:  "https://slack.com/oauth/v2/authorize",
	TokenURL: "https://slack.com/api/oauth.v2.access",
}

func endpointFor(provider string) (oauth2.Endpoint, error) {
	switch provider {
	case ProviderGoogle:
		return google.Endpoint, nil
	case ProviderMicrosoft:
		return microsoft.AzureADEndpoint("common"), nil
	case ProviderAsana:
		return asanaEndpoint, nil
	case ProviderSlack:
		return slackEndpoint, nil
	default:
		return oauth2.Endpoint{}, fmt.Errorf("unknown oauth provider %q", provider)
	}
}

// refresh exchanges a stored refresh token for a new access token using the
// provider's token endpoint, via golang.org/x/oauth2's TokenSource plumbing.
func refresh(ctx context.Context, httpClient *http.Client, provider, clientID, clientSecret, refreshToken string) (*RefreshResult, error) {
	endpoint, err := endpointFor(provider)
	if err != nil {
		return nil, err
	}

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     endpoint,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return nil, classifyRefreshErr(err)
	}

	rt := tok.RefreshToken
	if rt == "" {
		// Some providers (Google in particular) omit refresh_token on a
		// refresh response when the existing grant is reused.
		rt = refreshToken
	}

	return &RefreshResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: rt,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// ErrRevoked signals that the provider rejected the refresh token outright —
// the personal token must be deleted and workspace copies marked stale.
var ErrRevoked = errors.New("oauth token revoked")

// classifyRefreshErr turns an *oauth2.RetrieveError into ErrRevoked when the
// failure looks like a revocation rather than a transient error: HTTP 401,
// or a response of any status with invalid_grant/revoked in the body.
func classifyRefreshErr(err error) error {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return fmt.Errorf("refreshing oauth token: %w", err)
	}

	status := 0
	if rerr.Response != nil {
		status = rerr.Response.StatusCode
	}
	body := strings.ToLower(string(rerr.Body))

	if status == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrRevoked, rerr.Body)
	}
	if status == http.StatusBadRequest && (strings.Contains(body, "invalid_grant") || strings.Contains(body, "revoked")) {
		return fmt.Errorf("%w: %s", ErrRevoked, rerr.Body)
	}
	if strings.Contains(body, "invalid_grant") || strings.Contains(body, "token_revoked") || strings.Contains(body, "revoked") {
		return fmt.Errorf("%w: %s", ErrRevoked, rerr.Body)
	}

	return fmt.Errorf("refreshing oauth token: %w", rerr)
}
