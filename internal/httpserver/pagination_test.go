package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseOffsetParams(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		wantPage    int
		wantPerPage int
		wantOffset  int
		wantErr     bool
	}{
		{
			name:        "defaults",
			query:       "",
			wantPage:    1,
			wantPerPage: DefaultPageSize,
			wantOffset:  0,
		},
		{
			name:        "custom page and size",
			query:       "page=3&per_page=10",
			wantPage:    3,
			wantPerPage: 10,
			wantOffset:  20,
		},
		{
			name:        "per_page capped at max",
			query:       "per_page=500",
			wantPerPage: MaxPageSize,
			wantPage:    1,
			wantOffset:  0,
		},
		{
			name:    "negative page",
			query:   "page=-1",
			wantErr: true,
		},
		{
			name:    "zero page",
			query:   "page=0",
			wantErr: true,
		},
		{
			name:    "non-numeric per_page",
			query:   "per_page=abc",
			wantErr: true,
		},
		{
			name:    "zero per_page",
			query:   "per_page=0",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			p, err := ParseOffsetParams(r)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseOffsetParams() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if p.Page != tt.wantPage {
				t.Errorf("Page = %d, want %d", p.Page, tt.wantPage)
			}
			if p.PerPage != tt.wantPerPage {
				t.Errorf("PerPage = %d, want %d", p.PerPage, tt.wantPerPage)
			}
			if p.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", p.Offset, tt.wantOffset)
			}
		})
	}
}
