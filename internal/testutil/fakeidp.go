package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Realm is the Keycloak-style path every FakeIdP serves under.
const Realm = "acme"

var signingKey = []byte("fake-idp-signing-key")

type grant struct {
	nonce       string
	challenge   string
	redirectURI string
}

// FakeIdP is a minimal OIDC provider on httptest: discovery, authorization
// code + PKCE, refresh, end session.
type FakeIdP struct {
	Server   *httptest.Server
	ClientID string

	mu            sync.Mutex
	codes         map[string]grant
	sessionActive bool
	failRefresh   bool
	noRefresh     bool
	accessTTL     time.Duration
	refreshTTL    time.Duration
	subject       string
	name          string
	refreshes     int
	issued        int
}

// NewFakeIdP starts a provider that is closed when the test ends.
func NewFakeIdP(t testing.TB, clientID string) *FakeIdP {
	t.Helper()
	f := &FakeIdP{
		ClientID:   clientID,
		codes:      make(map[string]grant),
		accessTTL:  5 * time.Minute,
		refreshTTL: 30 * time.Minute,
		subject:    "user-1",
		name:       "Ada",
	}
	mux := http.NewServeMux()
	prefix := "/realms/" + Realm
	mux.HandleFunc(prefix+"/.well-known/openid-configuration", f.handleDiscovery)
	mux.HandleFunc(prefix+"/protocol/openid-connect/token", f.handleToken)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeIdP) Issuer() string { return f.Server.URL + "/realms/" + Realm }

func (f *FakeIdP) AuthorizationEndpoint() string {
	return f.Issuer() + "/protocol/openid-connect/auth"
}

func (f *FakeIdP) EndSessionEndpoint() string {
	return f.Issuer() + "/protocol/openid-connect/logout"
}

// SetSessionActive controls whether prompt=none requests succeed.
func (f *FakeIdP) SetSessionActive(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionActive = active
}

func (f *FakeIdP) SetFailRefresh(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRefresh = fail
}

// SetIssueRefreshTokens controls whether token responses carry a
// refresh_token.
func (f *FakeIdP) SetIssueRefreshTokens(issue bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noRefresh = !issue
}

func (f *FakeIdP) SetTTLs(access, refresh time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessTTL, f.refreshTTL = access, refresh
}

// SetName changes the name claim of ID tokens issued from now on.
func (f *FakeIdP) SetName(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = name
}

func (f *FakeIdP) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *FakeIdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"issuer":                 f.Issuer(),
		"authorization_endpoint": f.AuthorizationEndpoint(),
		"token_endpoint":         f.Issuer() + "/protocol/openid-connect/token",
		"end_session_endpoint":   f.EndSessionEndpoint(),
	})
}

// Authorize plays the browser's visit to an authorize URL and returns where
// the provider sends it back. Interactive requests always succeed and start
// a session; prompt=none succeeds only with an active session.
func (f *FakeIdP) Authorize(authorizeURL string) (string, error) {
	u, err := url.Parse(authorizeURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("client_id") != f.ClientID {
		return "", fmt.Errorf("unknown client %q", q.Get("client_id"))
	}
	redirectURI := q.Get("redirect_uri")
	back, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	params := back.Query()
	params.Set("state", q.Get("state"))

	f.mu.Lock()
	defer f.mu.Unlock()
	if q.Get("prompt") == "none" && !f.sessionActive {
		params.Set("error", "login_required")
		back.RawQuery = params.Encode()
		return back.String(), nil
	}
	f.sessionActive = true
	f.issued++
	code := fmt.Sprintf("code-%d", f.issued)
	f.codes[code] = grant{
		nonce:       q.Get("nonce"),
		challenge:   q.Get("code_challenge"),
		redirectURI: redirectURI,
	}
	params.Set("code", code)
	params.Set("session_state", "ss-1")
	back.RawQuery = params.Encode()
	return back.String(), nil
}

func (f *FakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, "invalid_request")
		return
	}
	if r.Form.Get("client_id") != f.ClientID {
		writeTokenError(w, "invalid_client")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Form.Get("grant_type") {
	case "authorization_code":
		g, ok := f.codes[r.Form.Get("code")]
		delete(f.codes, r.Form.Get("code"))
		if !ok || g.redirectURI != r.Form.Get("redirect_uri") {
			writeTokenError(w, "invalid_grant")
			return
		}
		sum := sha256.Sum256([]byte(r.Form.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
			writeTokenError(w, "invalid_grant")
			return
		}
		f.writeTokens(w, g.nonce)
	case "refresh_token":
		f.refreshes++
		if f.failRefresh || !f.sessionActive {
			writeTokenError(w, "invalid_grant")
			return
		}
		if _, err := jwt.Parse(r.Form.Get("refresh_token"), func(*jwt.Token) (any, error) { return signingKey, nil }); err != nil {
			writeTokenError(w, "invalid_grant")
			return
		}
		f.writeTokens(w, "")
	default:
		writeTokenError(w, "unsupported_grant_type")
	}
}

func (f *FakeIdP) writeTokens(w http.ResponseWriter, nonce string) {
	now := time.Now()
	idClaims := jwt.MapClaims{
		"iss":  f.Issuer(),
		"sub":  f.subject,
		"aud":  f.ClientID,
		"name": f.name,
		"iat":  now.Unix(),
		"exp":  now.Add(f.accessTTL).Unix(),
	}
	if nonce != "" {
		idClaims["nonce"] = nonce
	}
	resp := map[string]any{
		"token_type":   "Bearer",
		"id_token":     MintJWT(idClaims),
		"access_token": MintJWT(jwt.MapClaims{"sub": f.subject, "exp": now.Add(f.accessTTL).Unix()}),
		"expires_in":   int(f.accessTTL.Seconds()),
	}
	if !f.noRefresh {
		resp["refresh_token"] = MintJWT(jwt.MapClaims{
			"sub": f.subject,
			"typ": "Refresh",
			"exp": now.Add(f.refreshTTL).Unix(),
			"jti": fmt.Sprintf("rt-%d", f.refreshes),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeTokenError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// MintJWT signs claims with the fake provider's HMAC key.
func MintJWT(claims jwt.MapClaims) string {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	return s
}
