package oidcspa

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/oidc-spa/internal/browser"
	"github.com/dgellow/oidc-spa/internal/crosstab"
	"github.com/dgellow/oidc-spa/internal/idle"
	"github.com/dgellow/oidc-spa/internal/log"
	"github.com/dgellow/oidc-spa/internal/oidc"
	"github.com/dgellow/oidc-spa/internal/silent"
	"github.com/dgellow/oidc-spa/internal/tokens"
)

// Session is either *LoggedIn or *NotLoggedIn. The variant never changes;
// logging in or out always goes through a navigation.
type Session interface {
	IsLoggedIn() bool
	session()
}

// NotLoggedIn is the session when no user is signed in, or when the client
// could not initialize.
type NotLoggedIn struct {
	inst    *instance
	initErr *InitializationError
	back    *BackFromAuthServer
}

func (*NotLoggedIn) IsLoggedIn() bool { return false }
func (*NotLoggedIn) session()         {}

// InitializationError is set when the auth server could not be used.
func (s *NotLoggedIn) InitializationError() *InitializationError { return s.initErr }

// BackFromAuthServer is set when the user just came back from a login the
// auth server refused.
func (s *NotLoggedIn) BackFromAuthServer() *BackFromAuthServer { return s.back }

type LoginParams struct {
	// RedirectURL is where to land after login. Defaults to
	// Params.PostLoginRedirectURL, then the current page.
	RedirectURL      string
	ExtraQueryParams map[string]string
}

// UnavailableMessage is shown by Login when the client failed to initialize.
const UnavailableMessage = "Authentication is currently unavailable. Please try again later."

// Login redirects to the auth server. On success the returned error wraps
// ErrSuspended. When initialization failed it alerts the user instead and
// returns the initialization error.
func (s *NotLoggedIn) Login(ctx context.Context, params LoginParams) error {
	if s.initErr != nil {
		s.inst.page.env.Alert(UnavailableMessage)
		return s.initErr
	}
	return s.inst.login(ctx, params.RedirectURL, params.ExtraQueryParams)
}

// LoggedIn is the session of a signed in user.
type LoggedIn struct {
	inst *instance

	manager    *tokens.Manager
	countdown  *idle.Countdown
	propagator *crosstab.Propagator

	isNewBrowserSession bool
	back                *BackFromAuthServer

	endOnce sync.Once
}

func (*LoggedIn) IsLoggedIn() bool { return true }
func (*LoggedIn) session()         {}

func (inst *instance) loggedIn(user *oidc.User, back *BackFromAuthServer) *LoggedIn {
	page := inst.page
	local := page.env.LocalStorage()
	flag := inst.hash.StorageKey(loggedInPurpose)
	_, hadFlag := local.GetItem(flag)
	if err := local.SetItem(flag, "true"); err != nil {
		log.LogWarnWithFields("bootstrap", "Failed to persist logged in flag", map[string]any{
			"error": err.Error(),
		})
	}

	s := &LoggedIn{
		inst:                inst,
		isNewBrowserSession: !hadFlag,
		back:                back,
	}
	s.manager = tokens.NewManager(inst.client, user,
		tokens.WithClock(page.now),
		tokens.WithSilentRenewal(inst.renewSilently),
		tokens.WithRenewalFailureHandler(s.onRenewalFailure),
	)
	s.propagator = crosstab.New(page.env, inst.hash, page.tabID)
	s.countdown = idle.NewCountdown(page.activity(), s.idleDuration, s.onIdle, page.countdownOpts...)

	s.manager.Start()
	s.countdown.Start()
	// a logout may arrive as soon as we listen; end() must see running timers
	s.propagator.Listen(func(params LogoutParams) {
		_ = s.logout(context.Background(), params, false)
	})

	log.LogInfoWithFields("bootstrap", "User logged in", map[string]any{
		"configHash":          inst.hash,
		"subject":             s.manager.Tokens().DecodedIDToken.Subject(),
		"isNewBrowserSession": s.isNewBrowserSession,
	})
	return s
}

// renewSilently is the renewal path for providers without refresh tokens.
func (inst *instance) renewSilently(ctx context.Context) (*oidc.User, error) {
	success, err := inst.silent.Attempt(ctx, silent.Params{
		ConfigHash:  inst.hash,
		RedirectURI: inst.params.SilentRedirectURI,
		ExtraParams: inst.params.ExtraQueryParams,
		Timeout:     inst.params.SilentSignInTimeout,
	})
	if err != nil {
		return nil, err
	}
	if success.Response.HasError() {
		return nil, fmt.Errorf("%w: %s", oidc.ErrLoginRequired, success.Response.ErrorCode())
	}
	return inst.client.ExchangeCode(ctx, success.Response.Code(), success.Attempt.RedirectURI, success.Attempt.CodeVerifier, success.Attempt.Nonce)
}

func (s *LoggedIn) onRenewalFailure(err error) {
	log.LogWarnWithFields("tokens", "Session could not be renewed, logging in again", map[string]any{
		"error": err.Error(),
	})
	s.end()
	_ = s.inst.login(context.Background(), s.inst.page.env.Href(), nil)
}

func (s *LoggedIn) idleDuration() time.Duration {
	if d := s.inst.params.IdleSessionLifetime; d > 0 {
		return d
	}
	exp := s.manager.Tokens().RefreshTokenExpirationTime
	if exp.IsZero() {
		return 0
	}
	return exp.Sub(s.inst.page.now())
}

func (s *LoggedIn) onIdle() {
	_ = s.Logout(context.Background(), LogoutParams{RedirectTo: RedirectCurrentPage})
}

// end stops the background work of the session.
func (s *LoggedIn) end() {
	s.endOnce.Do(func() {
		s.manager.Stop()
		s.countdown.Stop()
	})
}

func (s *LoggedIn) Tokens() *Tokens { return s.manager.Tokens() }

func (s *LoggedIn) DecodedIDToken() *DecodedIDToken { return s.manager.Tokens().DecodedIDToken }

// IsNewBrowserSession is true when this browser had no session for the
// client before this page load.
func (s *LoggedIn) IsNewBrowserSession() bool { return s.isNewBrowserSession }

// BackFromAuthServer is set when the session comes from an interactive
// login completed on this page load.
func (s *LoggedIn) BackFromAuthServer() *BackFromAuthServer { return s.back }

func (s *LoggedIn) RenewTokens(ctx context.Context) error {
	return s.manager.RenewTokens(ctx)
}

func (s *LoggedIn) SubscribeToTokensChange(fn func(*Tokens)) func() {
	return s.manager.SubscribeToTokensChange(fn)
}

// SubscribeToAutoLogoutCountdown reports seconds left before the idle
// logout on every tick, and idle.NoCountdown when activity cancels it.
func (s *LoggedIn) SubscribeToAutoLogoutCountdown(fn func(secondsLeft int)) func() {
	return s.countdown.Subscribe(fn)
}

type GoToAuthServerParams struct {
	ExtraQueryParams map[string]string
	// RedirectURL defaults to the current page.
	RedirectURL string
}

// GoToAuthServer starts an interactive round trip while logged in, for
// instance to update the profile or switch account.
func (s *LoggedIn) GoToAuthServer(ctx context.Context, params GoToAuthServerParams) error {
	redirectURL := params.RedirectURL
	if redirectURL == "" {
		redirectURL = s.inst.page.env.Href()
	}
	return s.inst.login(ctx, redirectURL, params.ExtraQueryParams)
}

// Logout ends the session here and in the other tabs, then navigates to
// the end session endpoint. The returned error wraps ErrSuspended unless
// params are invalid.
func (s *LoggedIn) Logout(ctx context.Context, params LogoutParams) error {
	return s.logout(ctx, params, true)
}

func (s *LoggedIn) logout(ctx context.Context, params LogoutParams, broadcast bool) error {
	if err := params.Validate(); err != nil {
		return err
	}
	inst := s.inst
	page := inst.page
	if !page.startRedirect() {
		return browser.Suspend("redirect already in progress", "")
	}

	postLogout := inst.postLogoutURL(params)
	idToken := s.manager.Tokens().IDToken
	s.end()

	page.env.LocalStorage().RemoveItem(inst.hash.StorageKey(loggedInPurpose))
	if err := page.env.SessionStorage().SetItem(inst.hash.StorageKey(loggedOutPurpose), "true"); err != nil {
		log.LogWarnWithFields("bootstrap", "Failed to persist logged out marker", map[string]any{
			"error": err.Error(),
		})
	}

	if broadcast {
		if err := s.propagator.Broadcast(params); err != nil {
			log.LogWarnWithFields("crosstab", "Failed to announce logout", map[string]any{
				"error": err.Error(),
			})
		}
	}
	s.propagator.Close()

	target, err := inst.client.EndSessionURL(ctx, idToken, postLogout)
	if err != nil {
		log.LogWarnWithFields("bootstrap", "No end session URL, logging out locally", map[string]any{
			"error": err.Error(),
		})
		target = postLogout
	}
	log.LogInfoWithFields("bootstrap", "Logging out", map[string]any{
		"configHash":  inst.hash,
		"redirectTo":  params.RedirectTo,
		"broadcasted": broadcast,
	})
	page.env.Assign(target)
	return browser.Suspend("logging out", target)
}
