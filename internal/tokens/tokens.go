package tokens

import (
	"reflect"
	"time"

	"github.com/dgellow/oidc-spa/internal/oidc"
)

// DecodedIDToken is the claim set of the current ID token. The pointer is
// kept across renewals while the identity claims are unchanged, so callers
// can compare it by identity.
type DecodedIDToken struct {
	Claims map[string]any
}

func (d *DecodedIDToken) Subject() string {
	s, _ := d.Claims["sub"].(string)
	return s
}

// Claim returns a string claim, or "".
func (d *DecodedIDToken) Claim(name string) string {
	s, _ := d.Claims[name].(string)
	return s
}

type Tokens struct {
	IDToken        string
	AccessToken    string
	RefreshToken   string
	DecodedIDToken *DecodedIDToken

	AccessTokenExpirationTime time.Time
	// RefreshTokenExpirationTime is zero when unknown.
	RefreshTokenExpirationTime time.Time
}

// Fields is the record handed to JavaScript. Times are Unix milliseconds;
// refreshTokenExpirationTime is left out when unknown.
func (t *Tokens) Fields() map[string]any {
	f := map[string]any{
		"accessToken":               t.AccessToken,
		"idToken":                   t.IDToken,
		"refreshToken":              t.RefreshToken,
		"accessTokenExpirationTime": t.AccessTokenExpirationTime.UnixMilli(),
	}
	if !t.RefreshTokenExpirationTime.IsZero() {
		f["refreshTokenExpirationTime"] = t.RefreshTokenExpirationTime.UnixMilli()
	}
	return f
}

// volatile claims change on every issuance without the identity changing
var volatileClaims = map[string]bool{
	"iat": true, "exp": true, "nbf": true, "jti": true,
	"at_hash": true, "c_hash": true, "auth_time": true,
}

func identityClaims(c map[string]any) map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		if !volatileClaims[k] {
			out[k] = v
		}
	}
	return out
}

// FromUser builds Tokens, reusing previous.DecodedIDToken when the raw ID
// token or its identity claims did not change.
func FromUser(u *oidc.User, previous *Tokens) *Tokens {
	t := &Tokens{
		IDToken:                    u.IDToken,
		AccessToken:                u.AccessToken,
		RefreshToken:               u.RefreshToken,
		AccessTokenExpirationTime:  u.AccessTokenExpiry,
		RefreshTokenExpirationTime: u.RefreshTokenExpiry,
	}
	if previous != nil && previous.DecodedIDToken != nil {
		if previous.IDToken == u.IDToken ||
			reflect.DeepEqual(identityClaims(previous.DecodedIDToken.Claims), identityClaims(u.Claims)) {
			t.DecodedIDToken = previous.DecodedIDToken
			return t
		}
	}
	t.DecodedIDToken = &DecodedIDToken{Claims: map[string]any(u.Claims)}
	return t
}

// MaxTimerDelay is the largest delay a browser timer honours (2^31-1 ms).
const MaxTimerDelay = time.Duration(1<<31-1) * time.Millisecond

const (
	renewalMargin     = 25 * time.Second
	shortLivedCeiling = 250 * time.Second
)

// RenewalDelay returns how long to wait before renewing, given the token
// expiries (zero values are ignored). ok is false when nothing expires.
func RenewalDelay(now time.Time, expiries ...time.Time) (d time.Duration, ok bool) {
	var earliest time.Time
	for _, e := range expiries {
		if e.IsZero() {
			continue
		}
		if earliest.IsZero() || e.Before(earliest) {
			earliest = e
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	remaining := earliest.Sub(now)
	margin := renewalMargin
	if remaining < shortLivedCeiling {
		margin = remaining / 10
	}
	d = remaining - margin
	if d < 0 {
		d = 0
	}
	if d > MaxTimerDelay {
		d = MaxTimerDelay
	}
	return d, true
}
