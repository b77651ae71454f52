package diagnose

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindServerDown       Kind = "server down"
	KindBadConfiguration Kind = "bad configuration"
	KindUnknown          Kind = "unknown"
)

// Cause narrows a bad configuration down to the setting to fix.
type Cause string

const (
	CauseIssuerURI                 Cause = "issuer uri"
	CauseCallbackFileMissing       Cause = "callback file missing"
	CauseCallbackRewritten         Cause = "callback route rewritten"
	CauseCallbackLegacyExtension   Cause = "callback file legacy extension"
	CauseFrameAncestors            Cause = "frame-ancestors none"
	CauseRedirectURINotWhitelisted Cause = "redirect uri not whitelisted"
)

// InitializationError explains why a session could not be established.
type InitializationError struct {
	Kind        Kind
	LikelyCause Cause

	IssuerURI    string
	ClientID     string
	TimeoutDelay time.Duration
	// URL is the resource the message is about: a callback URL to
	// whitelist, a missing file, a discovery document.
	URL                string
	SuggestedIssuerURI string
	Realm              string

	Err error
}

func (e *InitializationError) Unwrap() error { return e.Err }

func (e *InitializationError) Error() string {
	var b strings.Builder
	switch e.Kind {
	case KindServerDown:
		if e.LikelyCause == CauseIssuerURI {
			fmt.Fprintf(&b, "The OIDC server is either down or the issuerUri %s is wrong.", e.IssuerURI)
			break
		}
		fmt.Fprintf(&b, "The OIDC server at %s seems to be down.", e.IssuerURI)
		if e.Realm != "" {
			fmt.Fprintf(&b, " If you know it's up, check that the realm %q exists.", e.Realm)
		}
	case KindBadConfiguration:
		b.WriteString(e.badConfigurationMessage())
	default:
		b.WriteString("An unknown error occurred while initializing the OIDC session.")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " (%v)", e.Err)
	}
	return b.String()
}

func (e *InitializationError) badConfigurationMessage() string {
	switch e.LikelyCause {
	case CauseIssuerURI:
		return fmt.Sprintf("The issuerUri %s is wrong, use %s instead.", e.IssuerURI, e.SuggestedIssuerURI)
	case CauseCallbackFileMissing:
		return fmt.Sprintf("The silent sign-in callback file %s was not found. Make sure it is served by your web server.", e.URL)
	case CauseCallbackRewritten:
		return fmt.Sprintf("The silent sign-in callback %s does not serve the expected content. Your web server probably rewrites this route to your index page; exclude it from the rewrite.", e.URL)
	case CauseCallbackLegacyExtension:
		return fmt.Sprintf("The silent sign-in callback %s was not found but a file with the other .htm/.html extension was. Rename it.", e.URL)
	case CauseFrameAncestors:
		return fmt.Sprintf("%s is served with frame-ancestors 'none' (or X-Frame-Options DENY), which prevents silent sign-in in an iframe. Allow 'self' as frame ancestor for this route.", e.URL)
	case CauseRedirectURINotWhitelisted:
		return fmt.Sprintf("The OIDC server did not answer within %s. Check that %s is listed in the Valid Redirect URIs of client %q and that the app origin is an allowed web origin.", e.TimeoutDelay, e.URL, e.ClientID)
	default:
		return fmt.Sprintf("The OIDC client %q of %s is misconfigured.", e.ClientID, e.IssuerURI)
	}
}

// Unknown wraps an unclassified failure.
func Unknown(issuerURI, clientID string, err error) *InitializationError {
	return &InitializationError{
		Kind:      KindUnknown,
		IssuerURI: issuerURI,
		ClientID:  clientID,
		Err:       err,
	}
}
