package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_JSONAndYAMLAgree(t *testing.T) {
	t.Setenv("TEST_CLIENT_ID", "spa")

	jsonPath := writeConfig(t, "config.json", `{
		"version": "v1",
		"issuerUri": "https://auth.example.com/realms/acme",
		"clientId": {"$env": "TEST_CLIENT_ID"},
		"homeUrl": "https://app.example.com/",
		"idleSessionLifetime": "15m",
		"extraQueryParams": {"ui_locales": "fr"}
	}`)
	yamlPath := writeConfig(t, "config.yaml", `
version: v1
issuerUri: https://auth.example.com/realms/acme
clientId:
  $env: TEST_CLIENT_ID
homeUrl: https://app.example.com/
idleSessionLifetime: 15m
extraQueryParams:
  ui_locales: fr
`)

	fromJSON, err := Load(jsonPath)
	require.NoError(t, err)
	fromYAML, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, fromJSON, fromYAML)
	assert.Equal(t, "spa", fromJSON.ClientID)
	assert.Equal(t, 15*time.Minute, fromJSON.IdleSessionLifetime)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		want   string
	}{
		{
			name:   "missing version",
			config: `{"issuerUri": "https://auth.example.com", "clientId": "spa", "homeUrl": "https://app.example.com/"}`,
			want:   "config version is required",
		},
		{
			name:   "unsupported version",
			config: `{"version": "v0.0.1", "issuerUri": "https://auth.example.com", "clientId": "spa", "homeUrl": "https://app.example.com/"}`,
			want:   "unsupported config version",
		},
		{
			name:   "missing issuer",
			config: `{"version": "v1", "clientId": "spa", "homeUrl": "https://app.example.com/"}`,
			want:   "issuerUri is required",
		},
		{
			name:   "plain text client secret",
			config: `{"version": "v1", "issuerUri": "https://auth.example.com", "clientId": "spa", "clientSecret": "hunter2", "homeUrl": "https://app.example.com/"}`,
			want:   "clientSecret must use environment variable reference",
		},
		{
			name:   "silent redirect on another origin",
			config: `{"version": "v1", "issuerUri": "https://auth.example.com", "clientId": "spa", "homeUrl": "https://app.example.com/", "silentRedirectUri": "https://other.example.com/silent.htm"}`,
			want:   "same origin",
		},
		{
			name:   "redirect uri on another origin",
			config: `{"version": "v1", "issuerUri": "https://auth.example.com", "clientId": "spa", "homeUrl": "https://app.example.com/", "redirectUri": "https://evil.example.com/cb"}`,
			want:   "redirectUri must be on the same origin",
		},
		{
			name:   "relative post login url",
			config: `{"version": "v1", "issuerUri": "https://auth.example.com", "clientId": "spa", "homeUrl": "https://app.example.com/", "postLoginRedirectUrl": "/welcome"}`,
			want:   "postLoginRedirectUrl",
		},
		{
			name:   "relative home url",
			config: `{"version": "v1", "issuerUri": "https://auth.example.com", "clientId": "spa", "homeUrl": "/app"}`,
			want:   "homeUrl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.json", tt.config))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		return Config{
			IssuerURI: "https://auth.example.com/realms/acme",
			ClientID:  "spa",
			HomeURL:   "https://app.example.com/",
		}
	}

	cfg := valid()
	assert.NoError(t, ValidateConfig(&cfg))

	cfg = valid()
	cfg.LogLevel = "verbose"
	assert.ErrorContains(t, ValidateConfig(&cfg), "logLevel")

	cfg = valid()
	cfg.SilentSignInTimeout = -time.Second
	assert.ErrorContains(t, ValidateConfig(&cfg), "silentSignInTimeout")

	cfg = valid()
	cfg.ClientID = ""
	assert.ErrorContains(t, ValidateConfig(&cfg), "clientId is required")
}

func TestDefaultIsValidAfterResolution(t *testing.T) {
	t.Setenv("OIDC_ISSUER_URI", "https://auth.example.com/realms/acme")
	t.Setenv("OIDC_CLIENT_ID", "spa")

	data, err := json.Marshal(Default())
	require.NoError(t, err)

	cfg, err := Load(writeConfig(t, "config.json", string(data)))
	require.NoError(t, err)
	assert.Equal(t, "spa", cfg.ClientID)
	assert.Equal(t, 30*time.Minute, cfg.IdleSessionLifetime)
}
