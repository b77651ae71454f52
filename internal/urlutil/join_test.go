package urlutil

import (
	"testing"
)

func TestJoinPath(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		paths   []string
		want    string
		wantErr bool
	}{
		{
			name:  "simple join",
			base:  "https://example.com",
			paths: []string{"api", "v1"},
			want:  "https://example.com/api/v1",
		},
		{
			name:  "base with path",
			base:  "https://example.com/base",
			paths: []string{"api", "v1"},
			want:  "https://example.com/base/api/v1",
		},
		{
			name:  "trailing slash preserved",
			base:  "https://example.com",
			paths: []string{"api", "v1/"},
			want:  "https://example.com/api/v1/",
		},
		{
			name:  "well-known path",
			base:  "https://example.com",
			paths: []string{".well-known", "oauth-protected-resource"},
			want:  "https://example.com/.well-known/oauth-protected-resource",
		},
		{
			name:  "empty paths",
			base:  "https://example.com",
			paths: []string{},
			want:  "https://example.com",
		},
		{
			name:  "base with trailing slash",
			base:  "https://example.com/",
			paths: []string{"api"},
			want:  "https://example.com/api",
		},
		{
			name:    "invalid base URL",
			base:    "://invalid",
			paths:   []string{"api"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JoinPath(tt.base, tt.paths...)
			if (err != nil) != tt.wantErr {
				t.Errorf("JoinPath() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("JoinPath() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddQueryParams(t *testing.T) {
	got, err := AddQueryParams("https://app.example.com/dashboard?tab=1", map[string]string{
		"ui_locales": "de",
		"tab":        "2",
	})
	if err != nil {
		t.Fatalf("AddQueryParams() error = %v", err)
	}
	if got != "https://app.example.com/dashboard?tab=2&ui_locales=de" {
		t.Errorf("AddQueryParams() = %v", got)
	}

	same, err := AddQueryParams("https://app.example.com/", nil)
	if err != nil || same != "https://app.example.com/" {
		t.Errorf("AddQueryParams() with no params = %v, %v", same, err)
	}
}

func TestQueryParamsAndRemove(t *testing.T) {
	params, err := QueryParams("https://app.example.com/?state=ospa_1&code=abc&code=ignored")
	if err != nil {
		t.Fatalf("QueryParams() error = %v", err)
	}
	if params["state"] != "ospa_1" || params["code"] != "abc" || len(params) != 2 {
		t.Errorf("QueryParams() = %v", params)
	}

	stripped, err := RemoveQueryParams("https://app.example.com/page?state=ospa_1&keep=yes", "state")
	if err != nil {
		t.Fatalf("RemoveQueryParams() error = %v", err)
	}
	if stripped != "https://app.example.com/page?keep=yes" {
		t.Errorf("RemoveQueryParams() = %v", stripped)
	}
}

func TestOrigin(t *testing.T) {
	if got := Origin("https://app.example.com:8443/a/b?c=d"); got != "https://app.example.com:8443" {
		t.Errorf("Origin() = %v", got)
	}
	if got := Origin("/relative/path"); got != "" {
		t.Errorf("Origin() of relative URL = %v", got)
	}
}
