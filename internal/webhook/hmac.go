// Package webhook implements the HMAC token derivation, signature
// verification, and replay-window enforcement for workflow trigger
// admission.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MinReplayWindowSec and MaxReplayWindowSec clamp the configurable
	// hmac_replay_window_sec value.
	MinReplayWindowSec = 60
	MaxReplayWindowSec = 3600
)

// ClampReplayWindow enforces the [60, 3600] bound on a requested window.
func ClampReplayWindow(sec int) int {
	if sec < MinReplayWindowSec {
		return MinReplayWindowSec
	}
	if sec > MaxReplayWindowSec {
		return MaxReplayWindowSec
	}
	return sec
}

func idBytes(id uuid.UUID) []byte {
	b := id // uuid.UUID is already [16]byte
	return b[:]
}

// Token derives the opaque path token embedded in the trigger URL:
// base64url(HMAC_SHA256(webhookSecret, user_id || workflow_id || salt)).
func Token(webhookSecret string, userID, workflowID, salt uuid.UUID) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(idBytes(userID))
	mac.Write(idBytes(workflowID))
	mac.Write(idBytes(salt))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyToken reports whether candidate matches the expected token for the
// given identity triple, in constant time.
func VerifyToken(webhookSecret, candidate string, userID, workflowID, salt uuid.UUID) bool {
	expected := Token(webhookSecret, userID, workflowID, salt)
	return hmac.Equal([]byte(expected), []byte(candidate))
}

// signingKey derives the per-workflow signing key used for payload
// signatures, distinct from the path token by an appended "signing" suffix.
func signingKey(webhookSecret string, userID, workflowID, salt uuid.UUID) []byte {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(idBytes(userID))
	mac.Write(idBytes(workflowID))
	mac.Write(idBytes(salt))
	mac.Write([]byte("signing"))
	key := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return []byte(key)
}

// Sign computes the hex HMAC-SHA256 signature over "ts.rawBody" using the
// derived signing key.
func Sign(webhookSecret string, userID, workflowID, salt uuid.UUID, ts int64, rawBody []byte) string {
	key := signingKey(webhookSecret, userID, workflowID, salt)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature against the expected value in constant
// time, accepting an optional "v1=" prefix on candidate.
func VerifySignature(webhookSecret string, userID, workflowID, salt uuid.UUID, ts int64, rawBody []byte, candidate string) bool {
	candidate = strings.TrimPrefix(candidate, "v1=")
	expected := Sign(webhookSecret, userID, workflowID, salt, ts, rawBody)
	return hmac.Equal([]byte(expected), []byte(candidate))
}

// CheckReplayWindow reports whether ts is within windowSec of now, inclusive
// at the boundary (ts == now-window is accepted; ts == now-window-1 is not).
func CheckReplayWindow(ts int64, now time.Time, windowSec int) error {
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(windowSec) {
		return fmt.Errorf("timestamp %d outside replay window of %ds (skew %ds)", ts, windowSec, skew)
	}
	return nil
}

// ParseTimestamp parses the X-Dsentr-Ts header/body field into a unix seconds value.
func ParseTimestamp(s string) (int64, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return ts, nil
}
