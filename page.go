// Package oidcspa keeps an OpenID Connect session alive in a single-page
// application: it consumes authorization responses, signs in silently through
// a hidden frame, renews tokens, logs out idle users and relays logouts
// between tabs.
package oidcspa

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgellow/oidc-spa/internal/browser"
	"github.com/dgellow/oidc-spa/internal/callback"
	"github.com/dgellow/oidc-spa/internal/confighash"
	"github.com/dgellow/oidc-spa/internal/crosstab"
	"github.com/dgellow/oidc-spa/internal/diagnose"
	"github.com/dgellow/oidc-spa/internal/idle"
	"github.com/dgellow/oidc-spa/internal/log"
	"github.com/dgellow/oidc-spa/internal/statedata"
	"github.com/dgellow/oidc-spa/internal/tokens"
	"golang.org/x/sync/singleflight"
)

// ErrSuspended is wrapped by every error that means "the page is navigating
// away". Callers must stop when they see it.
var ErrSuspended = browser.ErrSuspended

// ErrInvalidLogoutParams is returned by Logout for malformed params.
var ErrInvalidLogoutParams = crosstab.ErrInvalidParams

type (
	Tokens              = tokens.Tokens
	DecodedIDToken      = tokens.DecodedIDToken
	InitializationError = diagnose.InitializationError
	LogoutParams        = crosstab.LogoutParams
	RedirectTo          = crosstab.RedirectTo
)

const (
	RedirectHome        = crosstab.RedirectHome
	RedirectCurrentPage = crosstab.RedirectCurrentPage
	RedirectSpecificURL = crosstab.RedirectSpecificURL
)

// Page is the context shared by every session of one document. It lives
// as long as the document; build one per test.
type Page struct {
	env        browser.Env
	httpClient *http.Client
	now        func() time.Time
	store      *statedata.Store
	callback   *callback.Handler
	diagnoser  *diagnose.Diagnoser
	tabID      string

	observerOpts  []idle.ObserverOption
	countdownOpts []idle.CountdownOption
	observerOnce  sync.Once
	observer      *idle.ActivityObserver

	sweepOnce sync.Once
	cleanup   *statedata.CleanupManager

	// redirecting is set once a navigation to the auth server or the end
	// session endpoint has been issued
	redirecting atomic.Bool

	group   singleflight.Group
	mu      sync.Mutex
	results map[confighash.Hash]bootstrapResult
	settled map[confighash.Hash]chan struct{}
}

type bootstrapResult struct {
	session Session
	err     error
	// abandoned is set when the caller's context ended mid-run; the result
	// is not cached and the next call starts over.
	abandoned bool
}

type PageOption func(*Page)

// WithHTTPClient sets the client used for discovery, token requests and
// diagnosis requests.
func WithHTTPClient(client *http.Client) PageOption {
	return func(p *Page) {
		p.httpClient = client
	}
}

// WithLogLevel changes the process log level.
func WithLogLevel(level string) PageOption {
	return func(p *Page) {
		if err := log.SetLogLevel(level); err != nil {
			log.LogWarnWithFields("bootstrap", "Ignoring invalid log level", map[string]any{
				"level": level,
			})
		}
	}
}

// WithLogOutput sends the process log to w.
func WithLogOutput(w io.Writer) PageOption {
	return func(p *Page) {
		log.SetOutput(w)
	}
}

func WithClock(now func() time.Time) PageOption {
	return func(p *Page) {
		p.now = now
	}
}

// WithActivityOptions tunes the shared activity observer.
func WithActivityOptions(opts ...idle.ObserverOption) PageOption {
	return func(p *Page) {
		p.observerOpts = append(p.observerOpts, opts...)
	}
}

// WithCountdownOptions tunes every session's auto logout countdown.
func WithCountdownOptions(opts ...idle.CountdownOption) PageOption {
	return func(p *Page) {
		p.countdownOpts = append(p.countdownOpts, opts...)
	}
}

// NewPage creates the context for the document env describes.
func NewPage(env browser.Env, opts ...PageOption) *Page {
	p := &Page{
		env:     env,
		now:     time.Now,
		tabID:   crosstab.NewSenderID(),
		results: make(map[confighash.Hash]bootstrapResult),
		settled: make(map[confighash.Hash]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.store = statedata.NewStore(env.LocalStorage(), statedata.WithClock(p.now))
	p.callback = callback.NewHandler(env, p.store)
	p.diagnoser = diagnose.New(p.httpClient)
	return p
}

// TabID identifies this document among the tabs of the origin.
func (p *Page) TabID() string { return p.tabID }

// ObserveActivity feeds a user activity event to the shared observer, for
// environments that do not deliver DOM events through the Env.
func (p *Page) ObserveActivity(kind browser.ActivityKind) {
	p.activity().Observe(kind)
}

func (p *Page) activity() *idle.ActivityObserver {
	p.observerOnce.Do(func() {
		p.observer = idle.NewActivityObserver(p.env, p.observerOpts...)
	})
	return p.observer
}

// StartCleanup periodically removes abandoned StateData entries. Bootstrap
// already sweeps once; this is for pages that stay open for days.
func (p *Page) StartCleanup(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cleanup != nil {
		return
	}
	p.cleanup = statedata.NewCleanupManager(p.store, statedata.DefaultTTL, interval)
	p.cleanup.Start(ctx)
}

func (p *Page) StopCleanup() {
	p.mu.Lock()
	cm := p.cleanup
	p.cleanup = nil
	p.mu.Unlock()
	if cm != nil {
		cm.Stop()
	}
}

// settledSignal is closed once the bootstrap for hash has finished. Other
// instances wait on it when the pending auth response belongs to hash.
func (p *Page) settledSignal(hash confighash.Hash) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.settled[hash]
	if !ok {
		ch = make(chan struct{})
		p.settled[hash] = ch
	}
	return ch
}

// startRedirect claims the page's single navigation. It reports false
// when another navigation was already issued.
func (p *Page) startRedirect() bool {
	return p.redirecting.CompareAndSwap(false, true)
}

func (p *Page) abortRedirect() {
	p.redirecting.Store(false)
}
