package confighash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOf(t *testing.T) {
	h := Of("https://idp.example.com/realms/acme", "spa")
	assert.Equal(t, h, Of("https://idp.example.com/realms/acme/", "spa"))
	assert.Equal(t, h, Of("  https://idp.example.com/realms/acme ", "spa"))
	assert.NotEqual(t, h, Of("https://idp.example.com/realms/other", "spa"))
	assert.NotEqual(t, h, Of("https://idp.example.com/realms/acme", "admin"))
}

func TestKeys(t *testing.T) {
	h := Hash("abc123")
	assert.Equal(t, "oidc-spa.logged-in:abc123", h.StorageKey("logged-in"))
	assert.Equal(t, "oidc-spa:logout-propagation:abc123", h.ChannelName())
	assert.Equal(t, "abc123", h.String())
}
