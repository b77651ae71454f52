package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgellow/oidc-spa/internal/urlutil"
	"gopkg.in/yaml.v3"
)

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	data, err = toJSON(path, data)
	if err != nil {
		return Config{}, err
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, VersionPrefix) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if secret, exists := rawConfig["clientSecret"]; exists {
		if _, isString := secret.(string); isString {
			return Config{}, fmt.Errorf("clientSecret must use environment variable reference for security")
		}
	}

	// The custom UnmarshalJSON method resolves env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// toJSON converts YAML files (by extension) to JSON so both formats share
// one decoding path.
func toJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("converting YAML config: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.IssuerURI == "" {
		return fmt.Errorf("issuerUri is required")
	}
	if err := requireAbsoluteURL(config.IssuerURI); err != nil {
		return fmt.Errorf("issuerUri: %w", err)
	}
	if config.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if config.HomeURL == "" {
		return fmt.Errorf("homeUrl is required")
	}
	if err := requireAbsoluteURL(config.HomeURL); err != nil {
		return fmt.Errorf("homeUrl: %w", err)
	}
	for _, f := range []struct{ name, value string }{
		{"redirectUri", config.RedirectURI},
		{"silentRedirectUri", config.SilentRedirectURI},
		{"postLoginRedirectUrl", config.PostLoginRedirectURL},
	} {
		if f.value == "" {
			continue
		}
		if err := requireAbsoluteURL(f.value); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		if urlutil.Origin(f.value) != urlutil.Origin(config.HomeURL) {
			return fmt.Errorf("%s must be on the same origin as homeUrl", f.name)
		}
	}
	if config.IdleSessionLifetime < 0 {
		return fmt.Errorf("idleSessionLifetime cannot be negative")
	}
	if config.SilentSignInTimeout < 0 {
		return fmt.Errorf("silentSignInTimeout cannot be negative")
	}
	switch strings.ToLower(config.LogLevel) {
	case "", "error", "warn", "warning", "info", "debug", "trace":
	default:
		return fmt.Errorf("logLevel %q is not one of error, warn, info, debug, trace", config.LogLevel)
	}
	return nil
}

func requireAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("must be an http(s) URL, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host, got %q", raw)
	}
	return nil
}

// Default returns the document written by the CLI's -config-init.
func Default() map[string]any {
	return map[string]any{
		"version":             VersionPrefix,
		"issuerUri":           map[string]string{"$env": "OIDC_ISSUER_URI"},
		"clientId":            map[string]string{"$env": "OIDC_CLIENT_ID"},
		"scopes":              []string{"openid", "profile", "email"},
		"homeUrl":             "https://app.yourcompany.com/",
		"autoLogin":           false,
		"idleSessionLifetime": "30m",
		"logLevel":            "info",
	}
}
