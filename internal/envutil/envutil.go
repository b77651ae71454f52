package envutil

import (
	"os"
	"strings"
)

// IsDev reports whether OIDC_SPA_ENV selects development mode. Dev servers
// answer slower, so timing-sensitive defaults are relaxed there.
func IsDev() bool {
	env := strings.ToLower(os.Getenv("OIDC_SPA_ENV"))
	return env == "development" || env == "dev"
}
