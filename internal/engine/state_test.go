package engine

import (
	"testing"

	"github.com/google/uuid"

	"github.com/dsentr/dsentr/internal/graph"
	"github.com/dsentr/dsentr/internal/template"
)

func TestDeepMergeInto(t *testing.T) {
	dst := map[string]any{
		"a": map[string]any{"x": 1, "y": 2},
		"b": "keep",
	}
	src := map[string]any{
		"a": map[string]any{"y": 3, "z": 4},
		"c": "new",
	}

	deepMergeInto(dst, src)

	inner := dst["a"].(map[string]any)
	if inner["x"] != 1 {
		t.Errorf("x = %v, want 1 (untouched)", inner["x"])
	}
	if inner["y"] != 3 {
		t.Errorf("y = %v, want 3 (last writer wins at the leaf)", inner["y"])
	}
	if inner["z"] != 4 {
		t.Errorf("z = %v, want 4 (added)", inner["z"])
	}
	if dst["b"] != "keep" || dst["c"] != "new" {
		t.Errorf("top-level keys: b=%v c=%v", dst["b"], dst["c"])
	}
}

func TestDeepMergeInto_ScalarOverwritesObject(t *testing.T) {
	dst := map[string]any{"a": map[string]any{"x": 1}}
	src := map[string]any{"a": "flat"}
	deepMergeInto(dst, src)
	if dst["a"] != "flat" {
		t.Errorf("a = %v, want flat (non-object src replaces)", dst["a"])
	}
}

func TestCloneContext_IsolatesTopLevelWrites(t *testing.T) {
	orig := template.Context{"k": "v"}
	clone := cloneContext(orig)
	clone["k2"] = "branch-local"

	if _, ok := orig["k2"]; ok {
		t.Error("write to clone leaked into the original context")
	}
	if clone["k"] != "v" {
		t.Errorf("clone[k] = %v, want v", clone["k"])
	}
}

func mergeGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Parse([]byte(`{
		"nodes": [
			{"id": "t", "kind": "trigger"},
			{"id": "a", "kind": "action"},
			{"id": "b", "kind": "action"},
			{"id": "m", "kind": "merge"}
		],
		"edges": [
			{"from": "t", "to": "a", "kind": "default"},
			{"from": "t", "to": "b", "kind": "default"},
			{"from": "a", "to": "m", "kind": "default"},
			{"from": "b", "to": "m", "kind": "default"}
		]
	}`), "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return g
}

func TestBarrierFor_SizedByIncomingDefaultEdges(t *testing.T) {
	g := mergeGraph(t)
	rs := newRunState(uuid.New(), uuid.New(), g, newAllowlistChecker(nil))

	b := rs.barrierFor("m")
	if b.remaining != 2 {
		t.Fatalf("remaining = %d, want 2", b.remaining)
	}
	if rs.barrierFor("m") != b {
		t.Error("barrierFor must return the same barrier on every arrival")
	}
}

func TestNextAttempt_MonotonicPerNode(t *testing.T) {
	g := mergeGraph(t)
	rs := newRunState(uuid.New(), uuid.New(), g, newAllowlistChecker(nil))

	if got := rs.nextAttempt("a"); got != 0 {
		t.Errorf("first attempt = %d, want 0", got)
	}
	if got := rs.nextAttempt("a"); got != 1 {
		t.Errorf("second attempt = %d, want 1", got)
	}
	if got := rs.nextAttempt("b"); got != 0 {
		t.Errorf("other node first attempt = %d, want 0", got)
	}
}

func TestAllowlistChecker(t *testing.T) {
	c := newAllowlistChecker([]string{"api.example.com", "*.hooks.example.net", " "})

	tests := []struct {
		host string
		want bool
	}{
		{"api.example.com", true},
		{"API.EXAMPLE.COM", true},
		{"evil.example.com", false},
		{"a.hooks.example.net", true},
		{"deep.a.hooks.example.net", true},
		{"hooks.example.net", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := c.Allowed(tt.host); got != tt.want {
			t.Errorf("Allowed(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}
