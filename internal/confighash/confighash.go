// Package confighash derives the identity of an (issuer, client) pair. The
// hash namespaces every storage key and broadcast channel, and keys the
// per-page bootstrap registry.
package confighash

import (
	"strings"

	"github.com/dgellow/oidc-spa/internal/crypto"
)

// Hash is the fingerprint of an (issuerURI, clientID) pair.
type Hash string

// Of computes the hash. A trailing slash on the issuer is ignored so that
// "https://idp/realms/x" and "https://idp/realms/x/" share state.
func Of(issuerURI, clientID string) Hash {
	return Hash(crypto.Fingerprint(NormalizeIssuer(issuerURI), clientID))
}

// NormalizeIssuer trims surrounding whitespace and trailing slashes.
func NormalizeIssuer(issuerURI string) string {
	return strings.TrimRight(strings.TrimSpace(issuerURI), "/")
}

func (h Hash) String() string { return string(h) }

// StorageKey builds "oidc-spa.<purpose>:<hash>".
func (h Hash) StorageKey(purpose string) string {
	return "oidc-spa." + purpose + ":" + string(h)
}

// ChannelName is the broadcast channel used for cross-tab logout.
func (h Hash) ChannelName() string {
	return "oidc-spa:logout-propagation:" + string(h)
}
