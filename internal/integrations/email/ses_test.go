package email

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

func TestSesVersion_Aliases(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: "v2"},
		{in: "v2", want: "v2"},
		{in: "ses v2", want: "v2"},
		{in: "api", want: "v2"},
		{in: "2", want: "v2"},
		{in: "v1", want: "v1"},
		{in: "ses v1", want: "v1"},
		{in: "classic", want: "v1"},
		{in: "1", want: "v1"},
		{in: "bogus", wantErr: true},
	}
	for _, tt := range tests {
		params := map[string]json.RawMessage{}
		if tt.in != "" {
			b, _ := json.Marshal(tt.in)
			params["sesVersion"] = b
		}
		got, err := sesVersion(params)
		if tt.wantErr {
			if err == nil {
				t.Errorf("sesVersion(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("sesVersion(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("sesVersion(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSesEndpointHost(t *testing.T) {
	if got := sesEndpointHost("us-west-2", ""); got != "email.us-west-2.amazonaws.com" {
		t.Errorf("got %q", got)
	}
	if got := sesEndpointHost("", ""); got != "email.us-east-1.amazonaws.com" {
		t.Errorf("default region: got %q", got)
	}
	if got := sesEndpointHost("us-west-2", "ses.internal.test"); got != "ses.internal.test" {
		t.Errorf("override not honored: got %q", got)
	}
}

func TestSigV4SigningKey_Deterministic(t *testing.T) {
	a := sigV4SigningKey("secret", "20260729", "us-east-1", "ses")
	b := sigV4SigningKey("secret", "20260729", "us-east-1", "ses")
	if !bytes.Equal(a, b) {
		t.Error("signing key derivation must be deterministic")
	}
	c := sigV4SigningKey("different", "20260729", "us-east-1", "ses")
	if bytes.Equal(a, c) {
		t.Error("signing key must depend on the secret")
	}
}

func TestSignSigV4_SetsAuthorizationHeader(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "https://email.us-east-1.amazonaws.com/v2/email/outbound-emails", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body := []byte(`{"k":"v"}`)
	if err := signSigV4(req, body, "us-east-1", "ses", "AKIAEXAMPLE", "secret"); err != nil {
		t.Fatalf("signSigV4: %v", err)
	}

	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIAEXAMPLE/") {
		t.Errorf("Authorization header = %q, want AWS4-HMAC-SHA256 prefix with access key", auth)
	}
	if !strings.Contains(auth, "us-east-1/ses/aws4_request") {
		t.Errorf("Authorization header missing credential scope: %q", auth)
	}
	if req.Header.Get("x-amz-date") == "" {
		t.Error("expected x-amz-date header to be set")
	}
	if req.Header.Get("x-amz-content-sha256") != sha256Hex(body) {
		t.Error("x-amz-content-sha256 must be the hex sha256 of the body")
	}
}

func TestCanonicalURI_EmptyPathBecomesRoot(t *testing.T) {
	if got := canonicalURI(""); got != "/" {
		t.Errorf("canonicalURI(\"\") = %q, want /", got)
	}
	if got := canonicalURI("/v2/email/outbound-emails"); got != "/v2/email/outbound-emails" {
		t.Errorf("canonicalURI passthrough = %q", got)
	}
}
