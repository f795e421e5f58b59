package graph

import "testing"

func linear() []byte {
	return []byte(`{
		"nodes": [
			{"id": "t1", "kind": "trigger"},
			{"id": "a1", "kind": "action"},
			{"id": "a2", "kind": "action"}
		],
		"edges": [
			{"from": "t1", "to": "a1", "kind": "default"},
			{"from": "a1", "to": "a2", "kind": "default"}
		]
	}`)
}

func TestParse_Linear(t *testing.T) {
	g, err := Parse(linear(), "")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if g.TriggerNode != "t1" {
		t.Errorf("TriggerNode = %q, want t1", g.TriggerNode)
	}
	if len(g.Unreachable) != 0 {
		t.Errorf("Unreachable = %v, want none", g.Unreachable)
	}
	succ := g.DefaultSuccessors("t1")
	if len(succ) != 1 || succ[0].ID != "a1" {
		t.Errorf("DefaultSuccessors(t1) = %+v, want [a1]", succ)
	}
}

func TestParse_NoTrigger(t *testing.T) {
	raw := []byte(`{"nodes": [{"id": "a1", "kind": "action"}], "edges": []}`)
	if _, err := Parse(raw, ""); err == nil {
		t.Fatal("Parse() error = nil, want error for missing trigger")
	}
}

func TestParse_MultipleTriggers(t *testing.T) {
	raw := []byte(`{
		"nodes": [
			{"id": "t1", "kind": "trigger"},
			{"id": "t2", "kind": "trigger"}
		],
		"edges": []
	}`)
	if _, err := Parse(raw, ""); err == nil {
		t.Fatal("Parse() error = nil, want error for multiple triggers")
	}
}

func TestParse_UnreachableNodeIsNotAnError(t *testing.T) {
	raw := []byte(`{
		"nodes": [
			{"id": "t1", "kind": "trigger"},
			{"id": "a1", "kind": "action"},
			{"id": "orphan", "kind": "action"}
		],
		"edges": [
			{"from": "t1", "to": "a1", "kind": "default"}
		]
	}`)
	g, err := Parse(raw, "")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(g.Unreachable) != 1 || g.Unreachable[0] != "orphan" {
		t.Errorf("Unreachable = %v, want [orphan]", g.Unreachable)
	}
}

func TestParse_UnknownEdgeEndpoint(t *testing.T) {
	raw := []byte(`{
		"nodes": [{"id": "t1", "kind": "trigger"}],
		"edges": [{"from": "t1", "to": "missing", "kind": "default"}]
	}`)
	if _, err := Parse(raw, ""); err == nil {
		t.Fatal("Parse() error = nil, want error for unknown edge endpoint")
	}
}

func TestParse_DuplicateEdge(t *testing.T) {
	raw := []byte(`{
		"nodes": [
			{"id": "t1", "kind": "trigger"},
			{"id": "a1", "kind": "action"}
		],
		"edges": [
			{"from": "t1", "to": "a1", "kind": "default"},
			{"from": "t1", "to": "a1", "kind": "default"}
		]
	}`)
	if _, err := Parse(raw, ""); err == nil {
		t.Fatal("Parse() error = nil, want error for duplicate edge")
	}
}

func TestParse_ConditionNodeInvariant(t *testing.T) {
	tests := []struct {
		name    string
		edges   string
		wantErr bool
	}{
		{
			name:    "missing false edge",
			edges:   `{"from": "c1", "to": "a1", "kind": "true"}`,
			wantErr: true,
		},
		{
			name: "both edges present",
			edges: `{"from": "c1", "to": "a1", "kind": "true"},
			        {"from": "c1", "to": "a2", "kind": "false"}`,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []byte(`{
				"nodes": [
					{"id": "t1", "kind": "trigger"},
					{"id": "c1", "kind": "condition"},
					{"id": "a1", "kind": "action"},
					{"id": "a2", "kind": "action"}
				],
				"edges": [
					{"from": "t1", "to": "c1", "kind": "default"},
					` + tt.edges + `
				]
			}`)
			_, err := Parse(raw, "")
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParse_LoopNodeInvariant(t *testing.T) {
	raw := []byte(`{
		"nodes": [
			{"id": "t1", "kind": "trigger"},
			{"id": "l1", "kind": "loop"},
			{"id": "body", "kind": "action"},
			{"id": "after", "kind": "action"}
		],
		"edges": [
			{"from": "t1", "to": "l1", "kind": "default"},
			{"from": "l1", "to": "body", "kind": "loop_body"},
			{"from": "body", "to": "l1", "kind": "default"},
			{"from": "l1", "to": "after", "kind": "loop_exit"}
		]
	}`)
	g, err := Parse(raw, "")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(g.Successors("l1", EdgeLoopBody)) != 1 {
		t.Errorf("loop_body successors = %d, want 1", len(g.Successors("l1", EdgeLoopBody)))
	}
}

func TestParse_StartFromNode(t *testing.T) {
	t.Run("existing node ok", func(t *testing.T) {
		if _, err := Parse(linear(), "a2"); err != nil {
			t.Errorf("Parse() error = %v", err)
		}
	})

	t.Run("missing node errors", func(t *testing.T) {
		if _, err := Parse(linear(), "nope"); err == nil {
			t.Error("Parse() error = nil, want error for missing _start_from_node")
		}
	})
}

func TestGraph_IsMerge(t *testing.T) {
	raw := []byte(`{
		"nodes": [
			{"id": "t1", "kind": "trigger"},
			{"id": "a1", "kind": "action"},
			{"id": "a2", "kind": "action"},
			{"id": "m1", "kind": "merge"}
		],
		"edges": [
			{"from": "t1", "to": "a1", "kind": "default"},
			{"from": "t1", "to": "a2", "kind": "default"},
			{"from": "a1", "to": "m1", "kind": "default"},
			{"from": "a2", "to": "m1", "kind": "default"}
		]
	}`)
	g, err := Parse(raw, "")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !g.IsMerge("m1") {
		t.Error("IsMerge(m1) = false, want true")
	}
	if g.IsMerge("a1") {
		t.Error("IsMerge(a1) = true, want false")
	}
	if got := g.DefaultSuccessors("t1"); len(got) != 2 {
		t.Errorf("DefaultSuccessors(t1) = %d, want 2 (parallel fan-out)", len(got))
	}
}
