package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/oidc-spa/internal/log"
	"github.com/dgellow/oidc-spa/internal/oidc"
	"golang.org/x/sync/singleflight"
)

// ErrNoSession is returned by RenewTokens once the session has ended.
var ErrNoSession = errors.New("tokens: no active session")

// Refresher runs the refresh-token grant; *oidc.Client implements it.
type Refresher interface {
	Refresh(ctx context.Context, current *oidc.User) (*oidc.User, error)
}

// Manager owns the Tokens of one logged-in session and keeps them fresh.
type Manager struct {
	refresher Refresher
	now       func() time.Time

	// renewWithoutRefreshToken covers providers that issue no refresh
	// token; the session is renewed through silent sign-in instead.
	renewWithoutRefreshToken func(ctx context.Context) (*oidc.User, error)
	onRenewalFailure         func(error)

	mu     sync.Mutex
	user   *oidc.User
	tokens *Tokens
	subs   map[int]func(*Tokens)
	nextID int
	timer  *time.Timer
	ended  bool

	group singleflight.Group
}

type ManagerOption func(*Manager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithSilentRenewal sets how to renew when there is no refresh token.
func WithSilentRenewal(fn func(ctx context.Context) (*oidc.User, error)) ManagerOption {
	return func(m *Manager) {
		m.renewWithoutRefreshToken = fn
	}
}

// WithRenewalFailureHandler is called when a scheduled renewal fails.
func WithRenewalFailureHandler(fn func(error)) ManagerOption {
	return func(m *Manager) {
		m.onRenewalFailure = fn
	}
}

func NewManager(refresher Refresher, user *oidc.User, opts ...ManagerOption) *Manager {
	m := &Manager{
		refresher: refresher,
		now:       time.Now,
		user:      user,
		tokens:    FromUser(user, nil),
		subs:      make(map[int]func(*Tokens)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Tokens returns the current snapshot. It is never mutated; renewals
// replace it.
func (m *Manager) Tokens() *Tokens {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens
}

func (m *Manager) SubscribeToTokensChange(fn func(*Tokens)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Start arms the renewal timer.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleLocked()
}

// Stop ends the session: the timer is cancelled and renewals fail with
// ErrNoSession.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) scheduleLocked() {
	if m.ended {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	delay, ok := RenewalDelay(m.now(), m.tokens.AccessTokenExpirationTime, m.tokens.RefreshTokenExpirationTime)
	if !ok {
		return
	}
	log.LogTraceWithFields("tokens", "Scheduled token renewal", map[string]any{
		"in": delay.String(),
	})
	m.timer = time.AfterFunc(delay, m.renewOnTimer)
}

func (m *Manager) renewOnTimer() {
	err := m.RenewTokens(context.Background())
	if err == nil || errors.Is(err, ErrNoSession) {
		return
	}
	log.LogWarnWithFields("tokens", "Scheduled token renewal failed", map[string]any{
		"error": err.Error(),
	})
	if m.onRenewalFailure != nil {
		m.onRenewalFailure(err)
	}
}

// RenewTokens refreshes now. Concurrent calls share one request.
func (m *Manager) RenewTokens(ctx context.Context) error {
	_, err, _ := m.group.Do("renew", func() (any, error) {
		return nil, m.renew(ctx)
	})
	return err
}

func (m *Manager) renew(ctx context.Context) error {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return ErrNoSession
	}
	current := m.user
	m.mu.Unlock()

	var (
		next *oidc.User
		err  error
	)
	switch {
	case current.RefreshToken != "":
		next, err = m.refresher.Refresh(ctx, current)
	case m.renewWithoutRefreshToken != nil:
		next, err = m.renewWithoutRefreshToken(ctx)
	default:
		err = oidc.ErrNoRefreshToken
	}
	if err != nil {
		return fmt.Errorf("failed to renew tokens: %w", err)
	}

	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return ErrNoSession
	}
	m.user = next
	m.tokens = FromUser(next, m.tokens)
	snapshot := m.tokens
	subs := make([]func(*Tokens), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.scheduleLocked()
	m.mu.Unlock()

	log.LogDebugWithFields("tokens", "Tokens renewed", map[string]any{
		"accessExpiry": snapshot.AccessTokenExpirationTime,
	})
	for _, fn := range subs {
		fn(snapshot)
	}
	return nil
}
