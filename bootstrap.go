package oidcspa

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgellow/oidc-spa/internal/authresponse"
	"github.com/dgellow/oidc-spa/internal/confighash"
	"github.com/dgellow/oidc-spa/internal/diagnose"
	"github.com/dgellow/oidc-spa/internal/log"
	"github.com/dgellow/oidc-spa/internal/oidc"
	"github.com/dgellow/oidc-spa/internal/silent"
	"github.com/dgellow/oidc-spa/internal/statedata"
)

// Bootstrap resolves the session for params. Every call for the same
// issuer and client id on this page returns the first call's result,
// including calls made while it is still running.
//
// An error wrapping ErrSuspended means the page is navigating away.
func (p *Page) Bootstrap(ctx context.Context, params Params) (Session, error) {
	params = params.withDefaults()
	if err := params.validate(); err != nil {
		return nil, err
	}
	if params.DebugLogs {
		_ = log.SetLogLevel("debug")
	}
	hash := confighash.Of(params.IssuerURI, params.ClientID)

	p.mu.Lock()
	r, ok := p.results[hash]
	p.mu.Unlock()
	if ok {
		return r.session, r.err
	}

	for {
		v, _, _ := p.group.Do(hash.String(), func() (any, error) {
			p.mu.Lock()
			r, ok := p.results[hash]
			p.mu.Unlock()
			if ok {
				return r, nil
			}

			session, err := p.bootstrap(ctx, params, hash)
			if abandoned(ctx, session, err) {
				log.LogDebugWithFields("bootstrap", "Bootstrap cancelled, not caching the result", map[string]any{
					"configHash": hash,
					"error":      ctx.Err().Error(),
				})
				return bootstrapResult{err: ctx.Err(), abandoned: true}, nil
			}
			r = bootstrapResult{session: session, err: err}
			p.mu.Lock()
			p.results[hash] = r
			p.mu.Unlock()
			close(p.settledSignal(hash))
			return r, nil
		})
		r = v.(bootstrapResult)
		// a joiner whose own context is still live runs the bootstrap again
		if !r.abandoned || ctx.Err() != nil {
			return r.session, r.err
		}
	}
}

// abandoned reports whether a bootstrap outcome only reflects ctx ending.
// A started session or an issued navigation is kept.
func abandoned(ctx context.Context, session Session, err error) bool {
	if ctx.Err() == nil || errors.Is(err, ErrSuspended) {
		return false
	}
	_, loggedIn := session.(*LoggedIn)
	return !loggedIn
}

// ErrNotBootstrapped is returned by Session before Bootstrap completed.
var ErrNotBootstrapped = errors.New("oidcspa: not bootstrapped")

// Session returns the settled result of an earlier Bootstrap for the same
// issuer and client id.
func (p *Page) Session(issuerURI, clientID string) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.results[confighash.Of(issuerURI, clientID)]
	if !ok {
		return nil, ErrNotBootstrapped
	}
	return r.session, r.err
}

func (p *Page) bootstrap(ctx context.Context, params Params, hash confighash.Hash) (Session, error) {
	log.LogInfoWithFields("bootstrap", "Bootstrapping OIDC session", map[string]any{
		"issuer":     params.IssuerURI,
		"clientId":   params.ClientID,
		"configHash": hash,
	})

	p.sweepOnce.Do(func() {
		if n := p.store.Sweep(statedata.DefaultTTL); n > 0 {
			log.LogInfoWithFields("bootstrap", "Removed abandoned state data", map[string]any{
				"count": n,
			})
		}
	})

	res, err := p.callback.Handle(ctx)
	if err != nil {
		log.LogErrorWithFields("bootstrap", "Callback pass failed", map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}
	if res.Suspended != nil {
		return nil, res.Suspended
	}

	inst := p.newInstance(params, hash)

	pending, err := inst.consumePendingResponse(ctx)
	if err != nil {
		var initErr *InitializationError
		if errors.As(err, &initErr) {
			return inst.failed(initErr)
		}
		return nil, err
	}
	switch {
	case pending.user != nil:
		return inst.loggedIn(pending.user, pending.back), nil
	case pending.rejected:
		// no auto login here: it would loop on a denied consent
		return &NotLoggedIn{inst: inst, back: pending.back}, nil
	}

	if inst.takeLoggedOutMarker() {
		log.LogDebugWithFields("bootstrap", "Just logged out, skipping silent sign-in", map[string]any{
			"configHash": hash,
		})
		return inst.notLoggedIn(ctx)
	}

	success, err := inst.silent.Attempt(ctx, silent.Params{
		ConfigHash:  hash,
		RedirectURI: params.SilentRedirectURI,
		ExtraParams: params.ExtraQueryParams,
		Timeout:     params.SilentSignInTimeout,
	})
	var failure *silent.Failure
	switch {
	case errors.As(err, &failure) && failure.Cause == silent.CauseUnreachable:
		return inst.failed(p.diagnoser.Outage(ctx, params.IssuerURI, params.ClientID, err))
	case errors.As(err, &failure) && failure.Cause == silent.CauseTimeout:
		return inst.failed(p.diagnoser.Timeout(ctx, diagnose.TimeoutParams{
			IssuerURI:   params.IssuerURI,
			ClientID:    params.ClientID,
			CallbackURL: params.SilentRedirectURI,
			Timeout:     failure.Timeout,
		}))
	case err != nil:
		if ctx.Err() != nil {
			return nil, err
		}
		return inst.failed(diagnose.Unknown(params.IssuerURI, params.ClientID, err))
	}

	if success.Response.HasError() {
		log.LogDebugWithFields("bootstrap", "No session at the auth server", map[string]any{
			"error": success.Response.ErrorCode(),
		})
		return inst.notLoggedIn(ctx)
	}

	user, err := inst.client.ExchangeCode(ctx, success.Response.Code(), success.Attempt.RedirectURI, success.Attempt.CodeVerifier, success.Attempt.Nonce)
	if err != nil {
		if oidc.IsUnreachable(err) {
			return inst.failed(p.diagnoser.Outage(ctx, params.IssuerURI, params.ClientID, err))
		}
		return inst.failed(diagnose.Unknown(params.IssuerURI, params.ClientID, err))
	}
	return inst.loggedIn(user, nil), nil
}

type pendingResult struct {
	user *oidc.User
	back *BackFromAuthServer
	// rejected is set when the auth server answered the login with an error
	rejected bool
}

// consumePendingResponse redeems the response the callback pass of the
// previous document stored. A response belonging to another client of this
// page is left for that client; we wait until it has been handled.
func (inst *instance) consumePendingResponse(ctx context.Context) (pendingResult, error) {
	session := inst.page.env.SessionStorage()
	waited := make(map[confighash.Hash]bool)

	for {
		response, ok := authresponse.PeekPending(session)
		if !ok {
			return pendingResult{}, nil
		}

		data, err := inst.page.store.Get(response.State())
		if errors.Is(err, statedata.ErrNotFound) {
			authresponse.TakePending(session)
			log.LogWarnWithFields("bootstrap", "Dropping auth response without state data", map[string]any{
				"state": response.State(),
			})
			return pendingResult{}, nil
		}
		if err != nil {
			authresponse.TakePending(session)
			inst.page.store.Clear(response.State())
			log.LogErrorWithFields("bootstrap", "Unreadable state data for auth response", map[string]any{
				"error": err.Error(),
			})
			return pendingResult{}, fmt.Errorf("failed to read state data for auth response: %w", err)
		}

		owner := data.Common().ConfigHash
		if owner != inst.hash {
			if waited[owner] {
				// the owner finished without consuming it
				authresponse.TakePending(session)
				return pendingResult{}, nil
			}
			waited[owner] = true
			log.LogDebugWithFields("bootstrap", "Auth response belongs to another client, waiting for it", map[string]any{
				"owner": owner,
			})
			select {
			case <-inst.page.settledSignal(owner):
			case <-ctx.Done():
				return pendingResult{}, ctx.Err()
			}
			continue
		}

		authresponse.TakePending(session)
		defer inst.page.store.Clear(response.State())

		redirect, ok := data.(*statedata.Redirect)
		if !ok {
			return pendingResult{}, fmt.Errorf("%w: pending auth response for a %s attempt", statedata.ErrAssertion, data.Context())
		}
		back := newBackFromAuthServer(redirect, response)

		if response.HasError() {
			log.LogInfoWithFields("bootstrap", "Auth server rejected the login", map[string]any{
				"error":       response.ErrorCode(),
				"description": response.ErrorDescription(),
			})
			return pendingResult{back: back, rejected: true}, nil
		}

		user, err := inst.client.ExchangeCode(ctx, response.Code(), redirect.RedirectURI, redirect.CodeVerifier, redirect.Nonce)
		if err != nil {
			if oidc.IsUnreachable(err) {
				return pendingResult{}, inst.page.diagnoser.Outage(ctx, inst.params.IssuerURI, inst.params.ClientID, err)
			}
			// a replayed or expired code; silent sign-in may still work
			log.LogWarnWithFields("bootstrap", "Code exchange failed", map[string]any{
				"error": err.Error(),
			})
			return pendingResult{}, nil
		}
		return pendingResult{user: user, back: back}, nil
	}
}

func (inst *instance) failed(initErr *InitializationError) (Session, error) {
	log.LogErrorWithFields("bootstrap", "Failed to initialize", map[string]any{
		"kind":        initErr.Kind,
		"likelyCause": initErr.LikelyCause,
		"error":       initErr.Error(),
	})
	if inst.params.AutoLogin {
		return nil, initErr
	}
	return &NotLoggedIn{inst: inst, initErr: initErr}, nil
}

func (inst *instance) notLoggedIn(ctx context.Context) (Session, error) {
	if inst.params.AutoLogin {
		return nil, inst.login(ctx, "", nil)
	}
	return &NotLoggedIn{inst: inst}, nil
}
