package scheduler

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNextFireTime_Cron(t *testing.T) {
	cfg, _ := json.Marshal(config{Type: kindCron, Expression: "0 9 * * *"})
	now := time.Date(2026, 7, 29, 8, 0, 0, 0, time.UTC)

	next, err := nextFireTime(cfg, nil, now)
	if err != nil {
		t.Fatalf("nextFireTime: %v", err)
	}
	want := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextFireTime_IntervalAdvancesFromNowAfterDowntime(t *testing.T) {
	cfg, _ := json.Marshal(config{Type: kindInterval, IntervalSecs: 60})
	last := time.Date(2026, 7, 29, 8, 0, 0, 0, time.UTC)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC) // an hour of downtime

	next, err := nextFireTime(cfg, &last, now)
	if err != nil {
		t.Fatalf("nextFireTime: %v", err)
	}
	// Must advance from now, not burst-fire from the stale last_run_at.
	want := now.Add(60 * time.Second)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v (burst from downtime)", next, want)
	}
}

func TestNextFireTime_IntervalAdvancesFromLastRunWhenFuture(t *testing.T) {
	cfg, _ := json.Marshal(config{Type: kindInterval, IntervalSecs: 60})
	now := time.Date(2026, 7, 29, 8, 0, 0, 0, time.UTC)
	last := now.Add(30 * time.Second) // scheduled ahead of now, e.g. clock skew test setup

	next, err := nextFireTime(cfg, &last, now)
	if err != nil {
		t.Fatalf("nextFireTime: %v", err)
	}
	want := last.Add(60 * time.Second)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestParseConfig_UnknownKind(t *testing.T) {
	cfg, _ := json.Marshal(map[string]string{"type": "weekly"})
	if _, err := parseConfig(cfg); err == nil {
		t.Fatal("expected error for unknown schedule config type")
	}
}

func TestParseConfig_BadCronExpression(t *testing.T) {
	cfg, _ := json.Marshal(config{Type: kindCron, Expression: "not a cron"})
	if _, err := parseConfig(cfg); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestParseConfig_NonPositiveInterval(t *testing.T) {
	cfg, _ := json.Marshal(config{Type: kindInterval, IntervalSecs: 0})
	if _, err := parseConfig(cfg); err == nil {
		t.Fatal("expected error for non-positive interval")
	}
}
