package webhook

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestToken_VerifyRoundTrip(t *testing.T) {
	secret := "shh"
	user, workflow, salt := uuid.New(), uuid.New(), uuid.New()

	tok := Token(secret, user, workflow, salt)
	if !VerifyToken(secret, tok, user, workflow, salt) {
		t.Fatal("VerifyToken() = false for a freshly derived token")
	}
	if VerifyToken(secret, tok+"x", user, workflow, salt) {
		t.Fatal("VerifyToken() = true for a tampered token")
	}
}

func TestSign_VerifyRoundTrip(t *testing.T) {
	secret := "shh"
	user, workflow, salt := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().Unix()
	body := []byte(`{"k":"v"}`)

	sig := Sign(secret, user, workflow, salt, now, body)
	if !VerifySignature(secret, user, workflow, salt, now, body, sig) {
		t.Fatal("VerifySignature() = false for a freshly computed signature")
	}
	if !VerifySignature(secret, user, workflow, salt, now, body, "v1="+sig) {
		t.Fatal("VerifySignature() = false for a v1-prefixed signature")
	}
	if VerifySignature(secret, user, workflow, salt, now, []byte(`{"k":"tampered"}`), sig) {
		t.Fatal("VerifySignature() = true for a tampered body")
	}
}

func TestCheckReplayWindow(t *testing.T) {
	now := time.Now()
	window := 60

	if err := CheckReplayWindow(now.Unix()-int64(window), now, window); err != nil {
		t.Errorf("CheckReplayWindow() at exact boundary = %v, want nil", err)
	}
	if err := CheckReplayWindow(now.Unix()-int64(window)-1, now, window); err == nil {
		t.Error("CheckReplayWindow() one second past boundary = nil, want error")
	}
}

func TestClampReplayWindow(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, MinReplayWindowSec},
		{30, MinReplayWindowSec},
		{60, 60},
		{120, 120},
		{10000, MaxReplayWindowSec},
	}
	for _, tt := range tests {
		if got := ClampReplayWindow(tt.in); got != tt.want {
			t.Errorf("ClampReplayWindow(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
