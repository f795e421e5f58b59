package template

import "testing"

func TestEvalExpression_Literals(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"true", true},
		{"false", false},
		{"not true", false},
		{"not false", true},
		{"1 == 1", true},
		{"1 == 2", false},
		{"1 != 2", true},
		{`"a" == "a"`, true},
		{`"a" == 'a'`, true},
		{`"a" != "b"`, true},
		{"1 < 2", true},
		{"2 <= 2", true},
		{"3 > 2", true},
		{"2 >= 3", false},
		{`"abc" < "abd"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalExpression(tt.expr, Context{})
			if err != nil {
				t.Fatalf("EvalExpression(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvalExpression(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvalExpression_FieldAccess(t *testing.T) {
	ctx := Context{
		"status": "ok",
		"count":  float64(3),
		"node_a": map[string]any{"active": true},
		"items":  []any{"x", "y"},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`status == "ok"`, true},
		{`status == "bad"`, false},
		{"count > 2", true},
		{"count >= 3", true},
		{"node_a.active", true},
		{"not node_a.active", false},
		{`items[0] == "x"`, true},
		{"missing.field == null", true},
		{"missing.field", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalExpression(tt.expr, ctx)
			if err != nil {
				t.Fatalf("EvalExpression(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvalExpression(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvalExpression_Logical(t *testing.T) {
	ctx := Context{"a": true, "b": false}

	tests := []struct {
		expr string
		want bool
	}{
		{"a and b", false},
		{"a or b", true},
		{"a and not b", true},
		{"(a or b) and not b", true},
		{"not (a and b)", true},
		{"true and true and false", false},
		{"false or false or true", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalExpression(tt.expr, ctx)
			if err != nil {
				t.Fatalf("EvalExpression(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvalExpression(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvalExpression_Errors(t *testing.T) {
	tests := []string{
		"(1 == 1",
		"1 ==",
		"1 == 2 3",
	}
	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			if _, err := EvalExpression(expr, Context{}); err == nil {
				t.Errorf("EvalExpression(%q) error = nil, want error", expr)
			}
		})
	}
}
