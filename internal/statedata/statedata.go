package statedata

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/oidc-spa/internal/browser"
	"github.com/dgellow/oidc-spa/internal/confighash"
	"github.com/dgellow/oidc-spa/internal/log"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

// TokenPrefix marks state values minted by this library so that a callback
// can be told apart from third-party use of the state parameter.
const TokenPrefix = "ospa_"

// KeyPrefix namespaces entries in localStorage.
const KeyPrefix = "oidc-spa.state-data:"

// DefaultTTL bounds how long an abandoned attempt may linger.
const DefaultTTL = time.Hour

var (
	// ErrAssertion is the class of protocol violations: double handling,
	// variant mismatch, corrupted entries. Never swallowed.
	ErrAssertion = errors.New("statedata: assertion failed")

	ErrNotFound         = errors.New("statedata: entry not found")
	ErrAlreadyProcessed = fmt.Errorf("%w: redirect entry already processed", ErrAssertion)
	ErrNotRedirect      = fmt.Errorf("%w: entry is not a redirect", ErrAssertion)
	ErrInvalidToken     = errors.New("statedata: token does not carry the library prefix")
)

type Context string

const (
	ContextIFrame   Context = "iframe"
	ContextRedirect Context = "redirect"
)

// Data is either *IFrame or *Redirect.
type Data interface {
	Context() Context
	Common() *Base
}

// Base holds what every attempt needs to complete the code exchange.
type Base struct {
	ConfigHash   confighash.Hash `json:"configHash" validate:"required"`
	CodeVerifier string          `json:"codeVerifier" validate:"required,min=43,max=128"`
	Nonce        string          `json:"nonce" validate:"required"`
	RedirectURI  string          `json:"redirectUri" validate:"required,url"`
	CreatedAt    time.Time       `json:"createdAt" validate:"required"`
}

func (b *Base) Common() *Base { return b }

type IFrame struct {
	Base
}

func (*IFrame) Context() Context { return ContextIFrame }

type Redirect struct {
	Base
	RedirectURL                string            `json:"redirectUrl" validate:"required,url"`
	ExtraQueryParams           map[string]string `json:"extraQueryParams,omitempty"`
	HasBeenProcessedByCallback bool              `json:"hasBeenProcessedByCallback"`
}

func (*Redirect) Context() Context { return ContextRedirect }

// envelope is the stored shape; Context selects the variant.
type envelope struct {
	Context Context `json:"context" validate:"required,oneof=iframe redirect"`
	*Redirect
}

func encode(d Data) ([]byte, error) {
	switch v := d.(type) {
	case *IFrame:
		return json.Marshal(envelope{Context: ContextIFrame, Redirect: &Redirect{Base: v.Base}})
	case *Redirect:
		return json.Marshal(envelope{Context: ContextRedirect, Redirect: v})
	default:
		return nil, fmt.Errorf("%w: unknown state data %T", ErrAssertion, d)
	}
}

var validate = validator.New()

func decode(raw string) (Data, error) {
	env := envelope{Redirect: &Redirect{}}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: corrupted entry: %v", ErrAssertion, err)
	}
	if err := validate.Var(string(env.Context), "required,oneof=iframe redirect"); err != nil {
		return nil, fmt.Errorf("%w: unknown context %q", ErrAssertion, env.Context)
	}
	var d Data
	switch env.Context {
	case ContextIFrame:
		d = &IFrame{Base: env.Redirect.Base}
	case ContextRedirect:
		d = env.Redirect
	}
	if err := validate.Struct(d); err != nil {
		return nil, fmt.Errorf("%w: invalid entry: %v", ErrAssertion, err)
	}
	return d, nil
}

// Store persists StateData in the page origin's localStorage.
type Store struct {
	storage browser.Storage
	now     func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

type Option func(*Store)

// WithClock overrides the time source used for CreatedAt and sweeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(storage browser.Storage, opts ...Option) *Store {
	s := &Store{
		storage: storage,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now is the store's clock.
func (s *Store) Now() time.Time { return s.now() }

// GenerateToken returns a fresh single-use state value.
func (s *Store) GenerateToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return TokenPrefix + strings.ToLower(ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String())
}

// IsToken reports whether state was minted by GenerateToken.
func IsToken(state string) bool {
	if !strings.HasPrefix(state, TokenPrefix) {
		return false
	}
	_, err := ulid.ParseStrict(strings.ToUpper(strings.TrimPrefix(state, TokenPrefix)))
	return err == nil
}

func key(token string) string { return KeyPrefix + token }

// Put stores d under token. CreatedAt is stamped when left zero.
func (s *Store) Put(token string, d Data) error {
	if !IsToken(token) {
		return ErrInvalidToken
	}
	if d.Common().CreatedAt.IsZero() {
		d.Common().CreatedAt = s.now()
	}
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid state data: %w", err)
	}
	b, err := encode(d)
	if err != nil {
		return err
	}
	if err := s.storage.SetItem(key(token), string(b)); err != nil {
		return fmt.Errorf("failed to persist state data: %w", err)
	}
	log.LogTraceWithFields("statedata", "Stored state data", map[string]any{
		"context":    d.Context(),
		"configHash": d.Common().ConfigHash,
	})
	return nil
}

// Get resolves token. Missing entries return ErrNotFound; unreadable ones
// return an error wrapping ErrAssertion.
func (s *Store) Get(token string) (Data, error) {
	raw, ok := s.storage.GetItem(key(token))
	if !ok {
		return nil, ErrNotFound
	}
	return decode(raw)
}

// MarkProcessed flips HasBeenProcessedByCallback on a redirect entry. It
// fails on a second call so double handling is detected.
func (s *Store) MarkProcessed(token string) error {
	d, err := s.Get(token)
	if err != nil {
		return err
	}
	r, ok := d.(*Redirect)
	if !ok {
		return ErrNotRedirect
	}
	if r.HasBeenProcessedByCallback {
		return ErrAlreadyProcessed
	}
	r.HasBeenProcessedByCallback = true
	return s.Put(token, r)
}

func (s *Store) Clear(token string) {
	s.storage.RemoveItem(key(token))
}

// Sweep removes entries older than ttl and unreadable entries. It returns
// how many were removed.
func (s *Store) Sweep(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)
	removed := 0
	for _, k := range s.storage.Keys() {
		if !strings.HasPrefix(k, KeyPrefix) {
			continue
		}
		raw, _ := s.storage.GetItem(k)
		d, err := decode(raw)
		if err != nil || d.Common().CreatedAt.Before(cutoff) {
			s.storage.RemoveItem(k)
			removed++
		}
	}
	return removed
}
