package engine

import (
	"context"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name string
		cfg  RetryConfig
		k    int
		want time.Duration
	}{
		{
			name: "no multiplier growth",
			cfg:  RetryConfig{BackoffMs: 100, BackoffMultiplier: 1},
			k:    3,
			want: 100 * time.Millisecond,
		},
		{
			name: "doubling",
			cfg:  RetryConfig{BackoffMs: 10, BackoffMultiplier: 2},
			k:    2,
			want: 40 * time.Millisecond,
		},
		{
			name: "capped at max",
			cfg:  RetryConfig{BackoffMs: 10, BackoffMultiplier: 2, MaxBackoffMs: 35},
			k:    2,
			want: 35 * time.Millisecond,
		},
		{
			name: "zero backoff",
			cfg:  RetryConfig{BackoffMs: 0, BackoffMultiplier: 1},
			k:    0,
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := backoffDelay(tt.cfg, tt.k)
			if got != tt.want {
				t.Errorf("backoffDelay(%+v, %d) = %v, want %v", tt.cfg, tt.k, got, tt.want)
			}
		})
	}
}

func TestSleepCtx_CanceledReturnsFalse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepCtx(ctx, 50*time.Millisecond) {
		t.Error("expected sleepCtx to return false on canceled context")
	}
}

func TestSleepCtx_ZeroDelayStillHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepCtx(ctx, 0) {
		t.Error("expected sleepCtx(0) to return false on canceled context")
	}
}

func TestSleepCtx_CompletesWhenNotCanceled(t *testing.T) {
	ctx := context.Background()
	if !sleepCtx(ctx, time.Millisecond) {
		t.Error("expected sleepCtx to return true when it elapses normally")
	}
}

func TestRetryConfig_WithDefaults(t *testing.T) {
	r := RetryConfig{}.withDefaults()
	if r.MaxAttempts != 1 {
		t.Errorf("MaxAttempts default = %d, want 1", r.MaxAttempts)
	}
	if r.BackoffMultiplier != 1 {
		t.Errorf("BackoffMultiplier default = %v, want 1", r.BackoffMultiplier)
	}
	if r.MaxBackoffMs != 2000 {
		t.Errorf("MaxBackoffMs default = %d, want 2000", r.MaxBackoffMs)
	}
}

func TestLoopData_ContinueOnError(t *testing.T) {
	var l loopData
	if !l.continueOnError() {
		t.Error("expected continueOnError default true when unset")
	}
	f := false
	l.ContinueOnError = &f
	if l.continueOnError() {
		t.Error("expected continueOnError false when explicitly set")
	}
}
