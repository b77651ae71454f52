package silent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/oidc-spa/internal/authresponse"
	"github.com/dgellow/oidc-spa/internal/browser"
	"github.com/dgellow/oidc-spa/internal/confighash"
	"github.com/dgellow/oidc-spa/internal/crypto"
	"github.com/dgellow/oidc-spa/internal/envutil"
	"github.com/dgellow/oidc-spa/internal/log"
	"github.com/dgellow/oidc-spa/internal/oidc"
	"github.com/dgellow/oidc-spa/internal/statedata"
	"golang.org/x/oauth2"
)

const (
	BaseTimeout    = 7 * time.Second
	BaseTimeoutDev = 25 * time.Second

	// used when the browser exposes no network information
	DefaultTimeout    = 10 * time.Second
	DefaultTimeoutDev = 30 * time.Second

	maxBandwidthPenalty = 8 * time.Second
)

// ComputeTimeout sizes the wait for the iframe round trip from the
// connection the browser reports.
func ComputeTimeout(env browser.Env, dev bool) time.Duration {
	info, ok := env.NetworkInfo()
	if !ok {
		if dev {
			return DefaultTimeoutDev
		}
		return DefaultTimeout
	}
	base := BaseTimeout
	if dev {
		base = BaseTimeoutDev
	}
	// discovery, authorize, callback document: at least four round trips
	d := base + 4*info.RTT

	downlink := info.DownlinkMbps
	if downlink < 0.25 {
		downlink = 0.25
	}
	penalty := time.Duration(float64(2*time.Second) / downlink)
	if penalty > maxBandwidthPenalty {
		penalty = maxBandwidthPenalty
	}
	return d + penalty
}

type Cause string

const (
	CauseUnreachable Cause = "endpoint unreachable"
	CauseTimeout     Cause = "timeout"
)

// Failure is returned when no response arrived.
type Failure struct {
	Cause   Cause
	Timeout time.Duration
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("silent sign-in failed (%s): %v", f.Cause, f.Err)
	}
	return fmt.Sprintf("silent sign-in failed (%s after %s)", f.Cause, f.Timeout)
}

func (f *Failure) Unwrap() error { return f.Err }

// Success carries the response the iframe relayed and the attempt's
// parameters needed to redeem it. A response with an error field means the
// user has no session at the provider.
type Success struct {
	Response authresponse.AuthResponse
	Attempt  statedata.IFrame
}

// Authorizer builds authorize URLs; *oidc.Client implements it.
type Authorizer interface {
	AuthorizeURL(ctx context.Context, req oidc.AuthRequest) (string, error)
}

type Params struct {
	ConfigHash  confighash.Hash
	RedirectURI string
	ExtraParams map[string]string
	// Timeout overrides the adaptive delay when positive.
	Timeout time.Duration
}

type Protocol struct {
	env        browser.Env
	store      *statedata.Store
	authorizer Authorizer
}

func New(env browser.Env, store *statedata.Store, authorizer Authorizer) *Protocol {
	return &Protocol{env: env, store: store, authorizer: authorizer}
}

type started struct {
	frame browser.Frame
	err   error
}

// Attempt runs one hidden-iframe prompt=none round trip. The first of
// response, network failure and timeout decides the outcome. The StateData
// entry is always cleared before returning.
func (p *Protocol) Attempt(ctx context.Context, params Params) (*Success, error) {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = ComputeTimeout(p.env, envutil.IsDev())
	}

	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, err
	}
	token := p.store.GenerateToken()
	attempt := &statedata.IFrame{Base: statedata.Base{
		ConfigHash:   params.ConfigHash,
		CodeVerifier: oauth2.GenerateVerifier(),
		Nonce:        nonce,
		RedirectURI:  params.RedirectURI,
	}}
	if err := p.store.Put(token, attempt); err != nil {
		return nil, err
	}
	defer p.store.Clear(token)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	responses := make(chan authresponse.AuthResponse, 1)
	unsubscribe := p.env.OnMessage(func(m browser.Message) {
		if m.Origin != p.env.Origin() {
			return
		}
		r, err := authresponse.Unmarshal(m.Data)
		if err != nil || r.State() != token {
			return
		}
		d, err := p.store.Get(token)
		if err != nil || d.Common().ConfigHash != params.ConfigHash {
			return
		}
		select {
		case responses <- r:
		default:
		}
	})
	defer unsubscribe()

	startCh := make(chan started, 1)
	go func() {
		src, err := p.authorizer.AuthorizeURL(ctx, oidc.AuthRequest{
			State:        token,
			RedirectURI:  params.RedirectURI,
			Nonce:        nonce,
			CodeVerifier: attempt.CodeVerifier,
			Prompt:       "none",
			ExtraParams:  params.ExtraParams,
		})
		if err != nil {
			startCh <- started{err: err}
			return
		}
		frame, err := p.env.CreateHiddenFrame(src)
		startCh <- started{frame: frame, err: err}
	}()

	var frame browser.Frame
	frameKnown := false
	defer func() {
		if frameKnown {
			if frame != nil {
				frame.Remove()
			}
			return
		}
		// the frame may still be on its way
		go func() {
			if s := <-startCh; s.frame != nil {
				s.frame.Remove()
			}
		}()
	}()

	for {
		select {
		case s := <-startCh:
			frameKnown = true
			frame = s.frame
			if s.err != nil {
				if oidc.IsUnreachable(s.err) {
					log.LogWarnWithFields("silent_signin", "Auth server unreachable", map[string]any{
						"error": s.err.Error(),
					})
					return nil, &Failure{Cause: CauseUnreachable, Timeout: timeout, Err: s.err}
				}
				return nil, fmt.Errorf("failed to start silent sign-in: %w", s.err)
			}
		case r := <-responses:
			log.LogDebugWithFields("silent_signin", "Received silent sign-in response", map[string]any{
				"hasError": r.HasError(),
			})
			return &Success{Response: r, Attempt: *attempt}, nil
		case <-timer.C:
			log.LogWarnWithFields("silent_signin", "Silent sign-in timed out", map[string]any{
				"timeout": timeout.String(),
			})
			return nil, &Failure{Cause: CauseTimeout, Timeout: timeout}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// IsFailure reports whether err is a *Failure with the given cause.
func IsFailure(err error, cause Cause) bool {
	var f *Failure
	return errors.As(err, &f) && f.Cause == cause
}
