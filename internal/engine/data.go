package engine

import "encoding/json"

// RetryConfig is a node's retry policy, decoded from node.Data's "retry"
// field. Zero-value fields fall back to withDefaults' values.
type RetryConfig struct {
	MaxAttempts      int     `json:"maxAttempts"`
	BackoffMs        int64   `json:"backoffMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	MaxBackoffMs     int64   `json:"maxBackoffMs"`
}

// withDefaults fills in the policy's zero fields with spec defaults:
// one attempt, no backoff, unit multiplier, capped at 2s.
func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 1
	}
	if r.BackoffMultiplier <= 0 {
		r.BackoffMultiplier = 1
	}
	if r.MaxBackoffMs <= 0 {
		r.MaxBackoffMs = 2000
	}
	return r
}

// actionEnvelope is the subset of an action node's data the engine itself
// reads before handing node.Data to the registered adapter (which re-decodes
// the same bytes for its own provider-specific fields).
type actionEnvelope struct {
	Provider        string          `json:"provider"`
	Timeout         int64           `json:"timeout"`
	Retry           RetryConfig     `json:"retry"`
	ContinueOnError bool            `json:"continueOnError"`
	Params          json.RawMessage `json:"params"`
}

// conditionData is a condition node's data.
type conditionData struct {
	Expression string `json:"expression"`
}

// loopData is a loop node's data. ContinueOnError defaults to true (the
// remaining iterations run even after one fails) unless explicitly set
// false, so it's a pointer to distinguish "absent" from "false".
type loopData struct {
	Items           string `json:"items"`
	Concurrency     int    `json:"concurrency"`
	ContinueOnError *bool  `json:"continueOnError"`
}

func (l loopData) continueOnError() bool {
	if l.ContinueOnError == nil {
		return true
	}
	return *l.ContinueOnError
}

// delayData is a delay node's data.
type delayData struct {
	MS int64 `json:"ms"`
}

// defaultMaxDelay caps a delay node's suspension, absent a dedicated
// environment override.
const defaultMaxDelay = 15 * 60 * 1000 // ms

const defaultActionTimeoutMs = 30_000
