package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// UnmarshalJSON resolves $env references while decoding.
func (c *Config) UnmarshalJSON(data []byte) error {
	// Use a raw type to avoid recursion
	type rawConfig struct {
		Version              string                     `json:"version"`
		IssuerURI            json.RawMessage            `json:"issuerUri"`
		ClientID             json.RawMessage            `json:"clientId"`
		ClientSecret         json.RawMessage            `json:"clientSecret,omitempty"`
		Scopes               []string                   `json:"scopes,omitempty"`
		HomeURL              json.RawMessage            `json:"homeUrl"`
		RedirectURI          json.RawMessage            `json:"redirectUri,omitempty"`
		SilentRedirectURI    json.RawMessage            `json:"silentRedirectUri,omitempty"`
		PostLoginRedirectURL json.RawMessage            `json:"postLoginRedirectUrl,omitempty"`
		AutoLogin            bool                       `json:"autoLogin,omitempty"`
		IdleSessionLifetime  string                     `json:"idleSessionLifetime,omitempty"`
		SilentSignInTimeout  string                     `json:"silentSignInTimeout,omitempty"`
		ExtraQueryParams     map[string]json.RawMessage `json:"extraQueryParams,omitempty"`
		LogLevel             string                     `json:"logLevel,omitempty"`
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Version = raw.Version
	c.Scopes = raw.Scopes
	c.AutoLogin = raw.AutoLogin
	c.LogLevel = raw.LogLevel

	refs := []struct {
		name string
		raw  json.RawMessage
		dst  *string
	}{
		{"issuerUri", raw.IssuerURI, &c.IssuerURI},
		{"clientId", raw.ClientID, &c.ClientID},
		{"homeUrl", raw.HomeURL, &c.HomeURL},
		{"redirectUri", raw.RedirectURI, &c.RedirectURI},
		{"silentRedirectUri", raw.SilentRedirectURI, &c.SilentRedirectURI},
		{"postLoginRedirectUrl", raw.PostLoginRedirectURL, &c.PostLoginRedirectURL},
	}
	for _, s := range refs {
		if s.raw == nil {
			continue
		}
		parsed, err := ParseConfigValue(s.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", s.name, err)
		}
		*s.dst = parsed.value
	}

	if raw.ClientSecret != nil {
		parsed, err := ParseConfigValue(raw.ClientSecret)
		if err != nil {
			return fmt.Errorf("parsing clientSecret: %w", err)
		}
		c.ClientSecret = Secret(parsed.value)
	}

	if len(raw.ExtraQueryParams) > 0 {
		values, err := ParseConfigValueMap(raw.ExtraQueryParams)
		if err != nil {
			return fmt.Errorf("parsing extraQueryParams: %w", err)
		}
		c.ExtraQueryParams = values
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"idleSessionLifetime", raw.IdleSessionLifetime, &c.IdleSessionLifetime},
		{"silentSignInTimeout", raw.SilentSignInTimeout, &c.SilentSignInTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return nil
}
