package oidcspa

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/dgellow/oidc-spa/internal/config"
	"github.com/dgellow/oidc-spa/internal/urlutil"
)

// Params configures one OIDC client of the application.
type Params struct {
	IssuerURI string
	ClientID  string
	// ClientSecret is only for confidential clients.
	ClientSecret string
	// Scopes default to openid and profile; openid is always requested.
	Scopes []string

	// HomeURL is the application root, where logout lands by default.
	HomeURL string
	// RedirectURI receives interactive login responses. Defaults to HomeURL.
	RedirectURI string
	// SilentRedirectURI receives silent sign-in responses inside the hidden
	// frame. Defaults to RedirectURI.
	SilentRedirectURI string
	// PostLoginRedirectURL is where the user lands after an interactive
	// login started without an explicit target. Defaults to the current page.
	PostLoginRedirectURL string

	ExtraQueryParams map[string]string
	// TransformURLBeforeRedirect may rewrite the final authorize URL.
	TransformURLBeforeRedirect func(authorizeURL string) string

	// AutoLogin redirects to the auth server instead of producing a
	// NotLoggedIn session, and turns initialization errors into Bootstrap
	// errors.
	AutoLogin bool
	// IdleSessionLifetime overrides the refresh token expiry as the
	// inactivity deadline.
	IdleSessionLifetime time.Duration
	// SilentSignInTimeout overrides the adaptive timeout.
	SilentSignInTimeout time.Duration
	DebugLogs           bool
}

var ErrInvalidParams = errors.New("oidcspa: invalid params")

func (p Params) withDefaults() Params {
	if p.RedirectURI == "" {
		p.RedirectURI = p.HomeURL
	}
	if p.SilentRedirectURI == "" {
		p.SilentRedirectURI = p.RedirectURI
	}
	p.ExtraQueryParams = maps.Clone(p.ExtraQueryParams)
	return p
}

func (p Params) validate() error {
	switch {
	case p.IssuerURI == "":
		return fmt.Errorf("%w: IssuerURI is required", ErrInvalidParams)
	case p.ClientID == "":
		return fmt.Errorf("%w: ClientID is required", ErrInvalidParams)
	case p.HomeURL == "":
		return fmt.Errorf("%w: HomeURL is required", ErrInvalidParams)
	}
	home := urlutil.Origin(p.HomeURL)
	if home == "" {
		return fmt.Errorf("%w: HomeURL must be absolute", ErrInvalidParams)
	}
	for _, u := range []string{p.RedirectURI, p.SilentRedirectURI} {
		if urlutil.Origin(u) != home {
			return fmt.Errorf("%w: %s is not on the origin of HomeURL", ErrInvalidParams, u)
		}
	}
	return nil
}

// ParamsFromConfig maps a loaded configuration file onto Params.
func ParamsFromConfig(cfg config.Config) Params {
	return Params{
		IssuerURI:            cfg.IssuerURI,
		ClientID:             cfg.ClientID,
		ClientSecret:         string(cfg.ClientSecret),
		Scopes:               cfg.Scopes,
		HomeURL:              cfg.HomeURL,
		RedirectURI:          cfg.RedirectURI,
		SilentRedirectURI:    cfg.SilentRedirectURI,
		PostLoginRedirectURL: cfg.PostLoginRedirectURL,
		ExtraQueryParams:     cfg.ExtraQueryParams,
		AutoLogin:            cfg.AutoLogin,
		IdleSessionLifetime:  cfg.IdleSessionLifetime,
		SilentSignInTimeout:  cfg.SilentSignInTimeout,
		DebugLogs:            cfg.LogLevel == "debug" || cfg.LogLevel == "trace",
	}
}
