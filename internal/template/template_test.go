package template

import "testing"

func testContext() Context {
	return Context{
		"name": "Alice",
		"user": map[string]any{
			"name":   "Riley",
			"active": true,
			"age":    float64(30),
		},
		"items": []any{
			map[string]any{"x": "first"},
			map[string]any{"x": "second"},
		},
		"pi":   float64(3.14),
		"none": nil,
	}
}

func TestRender(t *testing.T) {
	ctx := testContext()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain string passes through", in: "hello world", want: "hello world"},
		{name: "simple substitution", in: "Hi {{ name }}", want: "Hi Alice"},
		{name: "nested path", in: "{{ user.name }}", want: "Riley"},
		{name: "array index", in: "{{ items[0].x }}", want: "first"},
		{name: "second index", in: "{{ items[1].x }}", want: "second"},
		{name: "missing key is empty", in: "x={{ nope.deep }}", want: "x="},
		{name: "whitespace inside braces ignored", in: "{{   user.name   }}", want: "Riley"},
		{name: "boolean stringified", in: "{{ user.active }}", want: "true"},
		{name: "number minimal representation", in: "{{ user.age }}", want: "30"},
		{name: "float keeps fraction", in: "{{ pi }}", want: "3.14"},
		{name: "null is empty", in: "{{ none }}", want: ""},
		{name: "multiple substitutions", in: "{{ name }}-{{ user.name }}", want: "Alice-Riley"},
		{name: "unterminated braces pass through", in: "a {{ name", want: "a {{ name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.in, ctx); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRender_IdempotentWithoutBraces(t *testing.T) {
	ctx := testContext()
	in := "no substitutions here"
	once := Render(in, ctx)
	twice := Render(once, ctx)
	if once != in || twice != in {
		t.Errorf("Render must be identity for brace-free input: %q -> %q -> %q", in, once, twice)
	}
}

func TestRender_CommutesWithConcatenation(t *testing.T) {
	ctx := testContext()
	a, b := "Hi {{ name }}", ", bye {{ user.name }}"
	joined := Render(a+b, ctx)
	parts := Render(a, ctx) + Render(b, ctx)
	if joined != parts {
		t.Errorf("Render(a+b) = %q, Render(a)+Render(b) = %q", joined, parts)
	}
}

func TestLookup(t *testing.T) {
	ctx := testContext()

	if v := Lookup(ctx, "user.name"); v != "Riley" {
		t.Errorf("Lookup(user.name) = %v", v)
	}
	if v := Lookup(ctx, "items[5].x"); v != nil {
		t.Errorf("Lookup out-of-range = %v, want nil", v)
	}
	if v := Lookup(ctx, "user.name.deeper"); v != nil {
		t.Errorf("Lookup past a leaf = %v, want nil", v)
	}
	if v := Lookup(ctx, "items[0]"); v == nil {
		t.Error("Lookup(items[0]) = nil, want element")
	}
}

func TestStringify_Composite(t *testing.T) {
	got := Stringify(map[string]any{"k": "v"})
	if got != `{"k":"v"}` {
		t.Errorf("Stringify(map) = %q", got)
	}
	got = Stringify([]any{float64(1), "two"})
	if got != `[1,"two"]` {
		t.Errorf("Stringify(slice) = %q", got)
	}
}
