package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/oidc-spa/internal/oidc"
	"github.com/dgellow/oidc-spa/internal/testutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRenewalDelay(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		expiries []time.Time
		want     time.Duration
		ok       bool
	}{
		{"long lived fires 25s early", []time.Time{now.Add(5 * time.Minute)}, 275 * time.Second, true},
		{"short lived fires at 90%", []time.Time{now.Add(10 * time.Second)}, 9 * time.Second, true},
		{"earliest expiry wins", []time.Time{now.Add(time.Hour), now.Add(5 * time.Minute)}, 275 * time.Second, true},
		{"zero expiries ignored", []time.Time{{}, now.Add(10 * time.Second)}, 9 * time.Second, true},
		{"already expired", []time.Time{now.Add(-time.Minute)}, 0, true},
		{"clamped", []time.Time{now.Add(365 * 24 * time.Hour)}, MaxTimerDelay, true},
		{"nothing expires", []time.Time{{}}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RenewalDelay(now, tt.expiries...)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

var issued atomic.Int64

func user(name string, accessTTL time.Duration) *oidc.User {
	claims := jwt.MapClaims{"sub": "u1", "name": name, "jti": fmt.Sprintf("id-%d", issued.Add(1))}
	return &oidc.User{
		IDToken:           testutil.MintJWT(claims),
		AccessToken:       "at-" + name,
		RefreshToken:      "rt",
		AccessTokenExpiry: time.Now().Add(accessTTL),
		Claims:            claims,
	}
}

func TestFromUser_PreservesDecodedIDToken(t *testing.T) {
	first := FromUser(user("Ada", time.Hour), nil)
	require.NotNil(t, first.DecodedIDToken)
	assert.Equal(t, "u1", first.DecodedIDToken.Subject())

	same := FromUser(user("Ada", time.Hour), first)
	assert.NotEqual(t, first.IDToken, same.IDToken)
	assert.Same(t, first.DecodedIDToken, same.DecodedIDToken)

	changed := FromUser(user("Grace", time.Hour), same)
	assert.NotSame(t, first.DecodedIDToken, changed.DecodedIDToken)
	assert.Equal(t, "Grace", changed.DecodedIDToken.Claim("name"))
}

func TestTokens_Fields(t *testing.T) {
	access := time.UnixMilli(1_800_000_000_000)
	tok := &Tokens{AccessToken: "at", IDToken: "id", AccessTokenExpirationTime: access}

	f := tok.Fields()
	assert.Equal(t, "at", f["accessToken"])
	assert.Equal(t, int64(1_800_000_000_000), f["accessTokenExpirationTime"])
	assert.NotContains(t, f, "refreshTokenExpirationTime")

	tok.RefreshToken = "rt"
	tok.RefreshTokenExpirationTime = access.Add(time.Hour)
	f = tok.Fields()
	assert.Equal(t, "rt", f["refreshToken"])
	assert.Equal(t, access.Add(time.Hour).UnixMilli(), f["refreshTokenExpirationTime"])
}

func TestManager_RenewTokens(t *testing.T) {
	refresher := &testutil.MockRefresher{}
	initial := user("Ada", time.Hour)
	renewed := user("Ada", 2*time.Hour)
	refresher.On("Refresh", mock.Anything, initial).Return(renewed, nil).Once()

	m := NewManager(refresher, initial)
	var got *Tokens
	unsubscribe := m.SubscribeToTokensChange(func(t *Tokens) { got = t })
	defer unsubscribe()

	before := m.Tokens()
	require.NoError(t, m.RenewTokens(context.Background()))

	require.NotNil(t, got)
	assert.Equal(t, "at-Ada", got.AccessToken)
	assert.Same(t, got, m.Tokens())
	assert.Same(t, before.DecodedIDToken, got.DecodedIDToken)
	refresher.AssertExpectations(t)
}

func TestManager_RenewAfterStop(t *testing.T) {
	m := NewManager(&testutil.MockRefresher{}, user("Ada", time.Hour))
	m.Stop()
	assert.ErrorIs(t, m.RenewTokens(context.Background()), ErrNoSession)
}

func TestManager_NoRefreshTokenUsesSilentRenewal(t *testing.T) {
	initial := user("Ada", time.Hour)
	initial.RefreshToken = ""

	var calls atomic.Int32
	m := NewManager(&testutil.MockRefresher{}, initial, WithSilentRenewal(func(ctx context.Context) (*oidc.User, error) {
		calls.Add(1)
		return user("Ada", time.Hour), nil
	}))
	require.NoError(t, m.RenewTokens(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	bare := user("Ada", time.Hour)
	bare.RefreshToken = ""
	m = NewManager(&testutil.MockRefresher{}, bare)
	assert.ErrorIs(t, m.RenewTokens(context.Background()), oidc.ErrNoRefreshToken)
}

func TestManager_ScheduledRenewal(t *testing.T) {
	refresher := &testutil.MockRefresher{}
	initial := user("Ada", 500*time.Millisecond)
	refresher.On("Refresh", mock.Anything, initial).Return(user("Ada", time.Hour), nil).Once()

	m := NewManager(refresher, initial)
	changed := make(chan *Tokens, 1)
	m.SubscribeToTokensChange(func(t *Tokens) { changed <- t })
	m.Start()
	defer m.Stop()

	select {
	case tok := <-changed:
		assert.True(t, tok.AccessTokenExpirationTime.After(time.Now().Add(30*time.Minute)))
	case <-time.After(3 * time.Second):
		t.Fatal("renewal never ran")
	}
	refresher.AssertExpectations(t)
}

func TestManager_ScheduledRenewalFailureFallsBack(t *testing.T) {
	refresher := &testutil.MockRefresher{}
	initial := user("Ada", 200*time.Millisecond)
	refresher.On("Refresh", mock.Anything, initial).Return(nil, errors.New("invalid_grant"))

	fallback := make(chan error, 1)
	m := NewManager(refresher, initial, WithRenewalFailureHandler(func(err error) {
		fallback <- err
	}))
	m.Start()
	defer m.Stop()

	select {
	case err := <-fallback:
		assert.Contains(t, err.Error(), "invalid_grant")
	case <-time.After(3 * time.Second):
		t.Fatal("fallback never ran")
	}
}

func TestManager_ScheduledSilentRenewalFailureFallsBack(t *testing.T) {
	initial := user("Ada", 200*time.Millisecond)
	initial.RefreshToken = ""

	fallback := make(chan error, 1)
	m := NewManager(&testutil.MockRefresher{}, initial,
		WithSilentRenewal(func(ctx context.Context) (*oidc.User, error) {
			return nil, fmt.Errorf("%w: login_required", oidc.ErrLoginRequired)
		}),
		WithRenewalFailureHandler(func(err error) {
			fallback <- err
		}),
	)
	m.Start()
	defer m.Stop()

	select {
	case err := <-fallback:
		assert.ErrorIs(t, err, oidc.ErrLoginRequired)
		assert.NotErrorIs(t, err, ErrNoSession)
	case <-time.After(3 * time.Second):
		t.Fatal("fallback never ran")
	}
}

func TestManager_AgainstFakeIdP(t *testing.T) {
	idp := testutil.NewFakeIdP(t, "spa")
	idp.SetSessionActive(true)
	client := oidc.NewClient(oidc.Config{IssuerURI: idp.Issuer(), ClientID: "spa"})

	start := &oidc.User{
		IDToken:      testutil.MintJWT(jwt.MapClaims{"sub": "user-1", "name": "Ada"}),
		RefreshToken: testutil.MintJWT(jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()}),
		Claims:       jwt.MapClaims{"sub": "user-1", "name": "Ada"},
	}
	m := NewManager(client, start)
	require.NoError(t, m.RenewTokens(context.Background()))
	assert.NotEmpty(t, m.Tokens().AccessToken)
	assert.Equal(t, 1, idp.Refreshes())
}
