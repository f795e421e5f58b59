package email

import "testing"

func TestIsValidEmailAddress(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"a@x.com", true},
		{"first.last@sub.example.co", true},
		{"no-at-sign", false},
		{"@missing-local.com", false},
		{"missing-domain@", false},
		{"has space@x.com", false},
		{"a@.com", false},
		{"a@com.", false},
		{"a@nodot", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isValidEmailAddress(tt.in); got != tt.want {
			t.Errorf("isValidEmailAddress(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseRecipientList_DedupesCaseInsensitively(t *testing.T) {
	got, err := parseRecipientList("a@x.com, A@X.com , b@x.com")
	if err != nil {
		t.Fatalf("parseRecipientList: %v", err)
	}
	want := []string{"a@x.com", "b@x.com"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseRecipientList_RejectsEmpty(t *testing.T) {
	if _, err := parseRecipientList(""); err == nil {
		t.Fatal("expected error for empty recipient list")
	}
	if _, err := parseRecipientList("   ,  "); err == nil {
		t.Fatal("expected error for whitespace-only recipient list")
	}
}

func TestParseRecipientList_RejectsInvalidEntry(t *testing.T) {
	if _, err := parseRecipientList("a@x.com, not-an-email"); err == nil {
		t.Fatal("expected error for invalid recipient entry")
	}
}
