package oidc

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// User is what a successful exchange or refresh yields.
type User struct {
	IDToken      string
	AccessToken  string
	RefreshToken string

	AccessTokenExpiry time.Time
	// RefreshTokenExpiry is zero when the provider does not disclose it.
	RefreshTokenExpiry time.Time

	Claims jwt.MapClaims
}

func newUser(tok *oauth2.Token, previousIDToken string) (*User, error) {
	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		idToken = previousIDToken
	}
	if idToken == "" {
		return nil, fmt.Errorf("token response has no id_token")
	}
	claims, err := DecodeClaims(idToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decode id token: %w", err)
	}

	u := &User{
		IDToken:           idToken,
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		AccessTokenExpiry: tok.Expiry,
		Claims:            claims,
	}
	if u.AccessTokenExpiry.IsZero() {
		u.AccessTokenExpiry = expiryOf(tok.AccessToken)
	}
	if u.RefreshToken != "" {
		u.RefreshTokenExpiry = expiryOf(u.RefreshToken)
		if u.RefreshTokenExpiry.IsZero() {
			u.RefreshTokenExpiry = refreshExpiresIn(tok)
		}
	}
	return u, nil
}

// expiryOf reads the exp claim of a JWT-shaped token, or returns zero.
func expiryOf(token string) time.Time {
	claims, err := DecodeClaims(token)
	if err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// refreshExpiresIn handles Keycloak's refresh_expires_in extension. Zero
// means the refresh token does not expire on a clock.
func refreshExpiresIn(tok *oauth2.Token) time.Time {
	var secs float64
	switch v := tok.Extra("refresh_expires_in").(type) {
	case float64:
		secs = v
	case int64:
		secs = float64(v)
	}
	if secs <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(secs) * time.Second)
}
