// Package authresponse holds the parameters an authorization server sends
// back on a callback, and the tab-scoped hand-off of a redirect response
// from the callback pass to the page that bootstraps after it.
package authresponse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/dgellow/oidc-spa/internal/browser"
	"github.com/go-playground/validator/v10"
)

// PendingKey is the sessionStorage key of a redirect response awaiting
// exchange.
const PendingKey = "oidc-spa.auth-response"

// ErrInvalid is returned for payloads that fail schema validation.
var ErrInvalid = errors.New("authresponse: invalid payload")

// AuthResponse is the flattened callback query. State is always present.
type AuthResponse map[string]string

func (r AuthResponse) State() string            { return r["state"] }
func (r AuthResponse) Code() string             { return r["code"] }
func (r AuthResponse) ErrorCode() string        { return r["error"] }
func (r AuthResponse) ErrorDescription() string { return r["error_description"] }

// HasError reports whether the server answered with an OAuth2 error, which
// for prompt=none means "no active session".
func (r AuthResponse) HasError() bool { return r["error"] != "" }

var validate = validator.New()

// Validate enforces the ingestion schema: a non-empty state.
func (r AuthResponse) Validate() error {
	if err := validate.Var(r["state"], "required"); err != nil {
		return fmt.Errorf("%w: missing state", ErrInvalid)
	}
	return nil
}

// FromURL collects every query parameter of rawURL.
func FromURL(rawURL string) (AuthResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	out := AuthResponse{}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out, nil
}

// ToURL encodes r as the query of a placeholder URL. FromURL(r.ToURL())
// reproduces r.
func (r AuthResponse) ToURL() string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	q := url.Values{}
	for _, k := range keys {
		q.Set(k, r[k])
	}
	return "https://dummy.com/?" + q.Encode()
}

// Marshal encodes r for postMessage and storage.
func (r AuthResponse) Marshal() (string, error) {
	b, err := json.Marshal(map[string]string(r))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Unmarshal decodes and validates a payload received from outside.
func Unmarshal(data string) (AuthResponse, error) {
	var m map[string]string
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	r := AuthResponse(m)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// SavePending stores r for the next page load of this tab.
func SavePending(s browser.Storage, r AuthResponse) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	return s.SetItem(PendingKey, data)
}

// PeekPending returns the stored response without consuming it.
func PeekPending(s browser.Storage) (AuthResponse, bool) {
	data, ok := s.GetItem(PendingKey)
	if !ok {
		return nil, false
	}
	r, err := Unmarshal(data)
	if err != nil {
		s.RemoveItem(PendingKey)
		return nil, false
	}
	return r, true
}

// TakePending returns and removes the stored response.
func TakePending(s browser.Storage) (AuthResponse, bool) {
	r, ok := PeekPending(s)
	if ok {
		s.RemoveItem(PendingKey)
	}
	return r, ok
}
