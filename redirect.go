package oidcspa

import (
	"context"
	"fmt"
	"maps"

	"github.com/dgellow/oidc-spa/internal/authresponse"
	"github.com/dgellow/oidc-spa/internal/browser"
	"github.com/dgellow/oidc-spa/internal/confighash"
	"github.com/dgellow/oidc-spa/internal/crypto"
	"github.com/dgellow/oidc-spa/internal/log"
	"github.com/dgellow/oidc-spa/internal/oidc"
	"github.com/dgellow/oidc-spa/internal/silent"
	"github.com/dgellow/oidc-spa/internal/statedata"
	"github.com/dgellow/oidc-spa/internal/urlutil"
	"golang.org/x/oauth2"
)

const (
	loggedInPurpose  = "logged-in"
	loggedOutPurpose = "logged-out"
)

// instance is what one client of the page needs once its params are known.
type instance struct {
	page   *Page
	params Params
	hash   confighash.Hash
	client *oidc.Client
	silent *silent.Protocol
}

func (p *Page) newInstance(params Params, hash confighash.Hash) *instance {
	client := oidc.NewClient(oidc.Config{
		IssuerURI:    params.IssuerURI,
		ClientID:     params.ClientID,
		ClientSecret: params.ClientSecret,
		Scopes:       params.Scopes,
		HTTPClient:   p.httpClient,
	})
	return &instance{
		page:   p,
		params: params,
		hash:   hash,
		client: client,
		silent: silent.New(p.env, p.store, client),
	}
}

// takeLoggedOutMarker consumes the marker a logout leaves in this tab.
func (inst *instance) takeLoggedOutMarker() bool {
	s := inst.page.env.SessionStorage()
	key := inst.hash.StorageKey(loggedOutPurpose)
	if _, ok := s.GetItem(key); !ok {
		return false
	}
	s.RemoveItem(key)
	return true
}

// login sends the tab to the authorization endpoint. It only returns a
// non-suspension error when the URL could not be built.
func (inst *instance) login(ctx context.Context, redirectURL string, extra map[string]string) error {
	page := inst.page
	if !page.startRedirect() {
		return browser.Suspend("redirect already in progress", "")
	}
	if redirectURL == "" {
		redirectURL = inst.params.PostLoginRedirectURL
	}
	if redirectURL == "" {
		redirectURL = page.env.Href()
	}

	target, err := inst.authorizeRedirectURL(ctx, redirectURL, extra)
	if err != nil {
		page.abortRedirect()
		return fmt.Errorf("failed to build login URL: %w", err)
	}
	log.LogInfoWithFields("bootstrap", "Redirecting to auth server", map[string]any{
		"configHash": inst.hash,
		"returnTo":   redirectURL,
	})
	page.env.Assign(target)
	return browser.Suspend("redirecting to auth server", target)
}

// authorizeRedirectURL records a redirect attempt and returns the final
// URL: the provider's authorize URL, then extra params, then the caller's
// transform.
func (inst *instance) authorizeRedirectURL(ctx context.Context, redirectURL string, extra map[string]string) (string, error) {
	store := inst.page.store
	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", err
	}
	token := store.GenerateToken()
	attempt := &statedata.Redirect{
		Base: statedata.Base{
			ConfigHash:   inst.hash,
			CodeVerifier: oauth2.GenerateVerifier(),
			Nonce:        nonce,
			RedirectURI:  inst.params.RedirectURI,
		},
		RedirectURL:      redirectURL,
		ExtraQueryParams: extra,
	}
	if err := store.Put(token, attempt); err != nil {
		return "", err
	}

	target, err := inst.client.AuthorizeURL(ctx, oidc.AuthRequest{
		State:        token,
		RedirectURI:  inst.params.RedirectURI,
		Nonce:        nonce,
		CodeVerifier: attempt.CodeVerifier,
	})
	if err != nil {
		store.Clear(token)
		return "", err
	}

	query := maps.Clone(inst.params.ExtraQueryParams)
	if query == nil {
		query = make(map[string]string, len(extra))
	}
	maps.Copy(query, extra)
	if len(query) > 0 {
		if target, err = urlutil.AddQueryParams(target, query); err != nil {
			store.Clear(token)
			return "", err
		}
	}
	if transform := inst.params.TransformURLBeforeRedirect; transform != nil {
		target = transform(target)
	}
	return target, nil
}

// postLogoutURL resolves where the provider sends the user after logout.
func (inst *instance) postLogoutURL(params LogoutParams) string {
	switch params.RedirectTo {
	case RedirectCurrentPage:
		return inst.page.env.Href()
	case RedirectSpecificURL:
		return params.URL
	default:
		return inst.params.HomeURL
	}
}

// BackFromAuthServer describes the interactive round trip that produced
// the session.
type BackFromAuthServer struct {
	// ExtraQueryParams are those sent with the login request.
	ExtraQueryParams map[string]string
	// Result holds the response parameters other than the protocol ones,
	// such as kc_action_status.
	Result map[string]string
}

var protocolParams = map[string]bool{
	"state":         true,
	"code":          true,
	"session_state": true,
	"iss":           true,
}

func newBackFromAuthServer(d *statedata.Redirect, response authresponse.AuthResponse) *BackFromAuthServer {
	result := make(map[string]string)
	for k, v := range response {
		if !protocolParams[k] {
			result[k] = v
		}
	}
	return &BackFromAuthServer{
		ExtraQueryParams: maps.Clone(d.ExtraQueryParams),
		Result:           result,
	}
}
