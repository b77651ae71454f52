package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/oidc-spa/internal/ioutil"
	"github.com/dgellow/oidc-spa/internal/log"
	"github.com/dgellow/oidc-spa/internal/urlutil"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrEndpointUnreachable marks failures where the discovery or token
	// endpoint could not be reached or did not answer like an OIDC server.
	ErrEndpointUnreachable = errors.New("oidc: endpoint unreachable")
	ErrNoEndSession        = errors.New("oidc: provider has no end_session_endpoint")
	ErrNonceMismatch       = errors.New("oidc: id token nonce mismatch")
	ErrNoRefreshToken      = errors.New("oidc: no refresh token")
	// ErrLoginRequired is returned when a prompt=none request finds no
	// session at the provider.
	ErrLoginRequired = errors.New("oidc: login required")
)

// Config configures a relying party.
type Config struct {
	IssuerURI string
	ClientID  string
	// ClientSecret is optional; public SPA clients leave it empty.
	ClientSecret string
	Scopes       []string
	HTTPClient   *http.Client
}

// Discovery is the subset of the provider metadata we use.
type Discovery struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// DiscoveryURL returns the well-known configuration URL of issuer.
func DiscoveryURL(issuer string) string {
	u, err := urlutil.JoinPath(issuer, ".well-known/openid-configuration")
	if err != nil {
		return strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"
	}
	return u
}

// Client is the token-exchange collaborator: it builds authorize and
// end-session URLs and talks to the token endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu        sync.Mutex
	discovery *Discovery
	group     singleflight.Group
}

func NewClient(cfg Config) *Client {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "profile"}
	}
	if !containsScope(cfg.Scopes, "openid") {
		cfg.Scopes = append([]string{"openid"}, cfg.Scopes...)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

func containsScope(scopes []string, s string) bool {
	for _, v := range scopes {
		if v == s {
			return true
		}
	}
	return false
}

// Discover fetches provider metadata once; concurrent callers share the
// request and failures are not cached.
func (c *Client) Discover(ctx context.Context) (*Discovery, error) {
	c.mu.Lock()
	if c.discovery != nil {
		d := c.discovery
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("discovery", func() (any, error) {
		d, err := FetchDiscovery(ctx, c.httpClient, DiscoveryURL(c.cfg.IssuerURI))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.discovery = d
		c.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Discovery), nil
}

// FetchDiscovery GETs and decodes a discovery document. Any failure wraps
// ErrEndpointUnreachable.
func FetchDiscovery(ctx context.Context, client *http.Client, discoveryURL string) (*Discovery, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEndpointUnreachable, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("failed to fetch discovery document: %w", ctxErr)
		}
		return nil, fmt.Errorf("%w: failed to fetch discovery document: %v", ErrEndpointUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: discovery endpoint returned status %d: %s",
			ErrEndpointUnreachable, resp.StatusCode, ioutil.ReadLimited(resp.Body, 1024))
	}

	var d Discovery
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: failed to decode discovery document: %v", ErrEndpointUnreachable, err)
	}
	if d.AuthorizationEndpoint == "" || d.TokenEndpoint == "" {
		return nil, fmt.Errorf("%w: discovery document missing required endpoints", ErrEndpointUnreachable)
	}
	return &d, nil
}

func (c *Client) oauth2Config(d *Discovery, redirectURI string) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	if c.cfg.ClientSecret != "" {
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   d.AuthorizationEndpoint,
			TokenURL:  d.TokenEndpoint,
			AuthStyle: style,
		},
	}
}

// AuthRequest describes one authorization code + PKCE attempt.
type AuthRequest struct {
	State        string
	RedirectURI  string
	Nonce        string
	CodeVerifier string
	// Prompt is "none" for silent sign-in.
	Prompt      string
	ExtraParams map[string]string
}

// AuthorizeURL builds the authorization endpoint URL for req.
func (c *Client) AuthorizeURL(ctx context.Context, req AuthRequest) (string, error) {
	d, err := c.Discover(ctx)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(req.CodeVerifier),
		oauth2.SetAuthURLParam("nonce", req.Nonce),
	}
	if req.Prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", req.Prompt))
	}
	for k, v := range req.ExtraParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return c.oauth2Config(d, req.RedirectURI).AuthCodeURL(req.State, opts...), nil
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// ExchangeCode redeems an authorization code. A non-empty nonce must match
// the ID token's nonce claim.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier, nonce string) (*User, error) {
	d, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}
	tok, err := c.oauth2Config(d, redirectURI).Exchange(c.withHTTPClient(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, classify(ctx, "code exchange", err)
	}
	u, err := newUser(tok, "")
	if err != nil {
		return nil, err
	}
	if nonce != "" {
		if got, _ := u.Claims["nonce"].(string); got != nonce {
			return nil, ErrNonceMismatch
		}
	}
	log.LogDebugWithFields("oidc", "Exchanged authorization code", map[string]any{
		"hasRefreshToken": u.RefreshToken != "",
		"accessExpiry":    u.AccessTokenExpiry,
	})
	return u, nil
}

// Refresh runs the refresh_token grant. The previous ID token is kept when
// the provider does not issue a new one.
func (c *Client) Refresh(ctx context.Context, current *User) (*User, error) {
	if current.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	d, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}
	// an empty access token is never valid, so the source always refreshes
	src := c.oauth2Config(d, "").TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classify(ctx, "token refresh", err)
	}
	return newUser(tok, current.IDToken)
}

// EndSessionURL builds the RP-initiated logout URL.
func (c *Client) EndSessionURL(ctx context.Context, idTokenHint, postLogoutRedirectURI string) (string, error) {
	d, err := c.Discover(ctx)
	if err != nil {
		return "", err
	}
	if d.EndSessionEndpoint == "" {
		return "", ErrNoEndSession
	}
	params := map[string]string{
		"client_id":                c.cfg.ClientID,
		"post_logout_redirect_uri": postLogoutRedirectURI,
	}
	if idTokenHint != "" {
		params["id_token_hint"] = idTokenHint
	}
	return urlutil.AddQueryParams(d.EndSessionEndpoint, params)
}

// classify wraps transport failures with ErrEndpointUnreachable. Errors the
// server answered with (*oauth2.RetrieveError) are left as they are, and a
// done ctx is reported as its own error.
func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s failed: %w", op, ctxErr)
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%w: %s failed: %v", ErrEndpointUnreachable, op, err)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

// IsUnreachable reports whether err is a network-layer failure.
func IsUnreachable(err error) bool { return errors.Is(err, ErrEndpointUnreachable) }

// DecodeClaims parses a JWT payload without verifying its signature. The
// browser is not the party that trusts these tokens; APIs verify them.
func DecodeClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
