package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// VersionPrefix is what every supported config file version starts with.
const VersionPrefix = "v1"

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// Config describes one OIDC client of a single-page application.
type Config struct {
	Version   string
	IssuerURI string
	ClientID  string
	// ClientSecret is only for confidential clients; SPAs normally have none.
	ClientSecret Secret
	Scopes       []string
	HomeURL      string
	// RedirectURI defaults to HomeURL, SilentRedirectURI to RedirectURI.
	RedirectURI       string
	SilentRedirectURI string
	// PostLoginRedirectURL is where an interactive login without an explicit
	// target lands. Empty means the page the login started on.
	PostLoginRedirectURL string
	AutoLogin            bool
	// IdleSessionLifetime overrides the refresh token lifetime as the
	// inactivity deadline. Zero keeps the default.
	IdleSessionLifetime time.Duration
	SilentSignInTimeout time.Duration
	ExtraQueryParams    map[string]string
	LogLevel            string
}

// RawConfigValue represents a value that could be a string or an env ref.
// This is only used during parsing, not in the final config
type RawConfigValue struct {
	value string
}

// ParseConfigValue parses a JSON value that could be a string or reference object
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	// Try reference object
	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	if envVar, ok := ref["$env"]; ok {
		value := os.Getenv(envVar)
		if value == "" {
			return nil, fmt.Errorf("environment variable %s not set", envVar)
		}
		// Strip surrounding quotes if present (only matching pairs)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		return &RawConfigValue{value: value}, nil
	}

	return nil, fmt.Errorf("unknown reference type in config value")
}

func (v *RawConfigValue) String() string { return v.value }

// ParseConfigValueMap parses a map that may contain references
func ParseConfigValueMap(raw map[string]json.RawMessage) (map[string]string, error) {
	values := make(map[string]string, len(raw))
	for key, item := range raw {
		parsed, err := ParseConfigValue(item)
		if err != nil {
			return nil, fmt.Errorf("parsing key %s: %w", key, err)
		}
		values[key] = parsed.value
	}
	return values, nil
}
