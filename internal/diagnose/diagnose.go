package diagnose

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/dgellow/oidc-spa/internal/ioutil"
	"github.com/dgellow/oidc-spa/internal/log"
	"github.com/dgellow/oidc-spa/internal/oidc"
	"golang.org/x/sync/errgroup"
)

// CallbackMarker must appear in a dedicated silent sign-in callback file.
const CallbackMarker = "postMessage"

const maxFetchedBody = 64 << 10

var keycloakIssuer = regexp.MustCompile(`^(https?://[^/]+)(/.*?)?/realms/([^/]+)/?$`)

// KeycloakIssuer is an issuer URI split into its parts.
type KeycloakIssuer struct {
	Origin string
	Prefix string
	Realm  string
}

// ParseKeycloakIssuer recognizes "<origin>[/prefix]/realms/<realm>".
func ParseKeycloakIssuer(issuer string) (KeycloakIssuer, bool) {
	m := keycloakIssuer.FindStringSubmatch(issuer)
	if m == nil {
		return KeycloakIssuer{}, false
	}
	return KeycloakIssuer{Origin: m[1], Prefix: m[2], Realm: m[3]}, true
}

// Alternates lists plausible issuers differing by the legacy "/auth" segment.
func (k KeycloakIssuer) Alternates() []string {
	realm := "/realms/" + k.Realm
	switch {
	case k.Prefix == "":
		return []string{k.Origin + "/auth" + realm}
	case k.Prefix == "/auth":
		return []string{k.Origin + realm}
	case strings.HasSuffix(k.Prefix, "/auth"):
		return []string{k.Origin + strings.TrimSuffix(k.Prefix, "/auth") + realm, k.Origin + realm}
	default:
		return []string{k.Origin + k.Prefix + "/auth" + realm, k.Origin + realm}
	}
}

type Diagnoser struct {
	httpClient *http.Client
}

// New returns a Diagnoser. A nil client gets a short-timeout default.
func New(client *http.Client) *Diagnoser {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Diagnoser{httpClient: client}
}

// Outage runs when the discovery or token endpoint could not be reached,
// to tell a real outage from a wrong issuer URI.
func (d *Diagnoser) Outage(ctx context.Context, issuerURI, clientID string, cause error) *InitializationError {
	base := InitializationError{
		Kind:      KindServerDown,
		IssuerURI: issuerURI,
		ClientID:  clientID,
		URL:       oidc.DiscoveryURL(issuerURI),
		Err:       cause,
	}

	kc, ok := ParseKeycloakIssuer(issuerURI)
	if !ok {
		base.LikelyCause = CauseIssuerURI
		return &base
	}
	base.Realm = kc.Realm

	if suggested := d.firstWorkingIssuer(ctx, kc.Alternates()); suggested != "" {
		log.LogInfoWithFields("diagnose", "Found a working alternate issuer", map[string]any{
			"configured": issuerURI,
			"suggested":  suggested,
		})
		base.Kind = KindBadConfiguration
		base.LikelyCause = CauseIssuerURI
		base.SuggestedIssuerURI = suggested
		return &base
	}
	return &base
}

// firstWorkingIssuer tries candidates concurrently and returns the first,
// in candidate order, whose discovery document decodes.
func (d *Diagnoser) firstWorkingIssuer(ctx context.Context, candidates []string) string {
	ok := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			ok[i] = d.isDiscoveryDocument(gctx, oidc.DiscoveryURL(c))
			return nil
		})
	}
	_ = g.Wait()
	for i, c := range candidates {
		if ok[i] {
			return c
		}
	}
	return ""
}

func (d *Diagnoser) isDiscoveryDocument(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body, err := ioutil.ReadLimitedBytes(resp.Body, maxFetchedBody)
	if err != nil {
		return false
	}
	var doc map[string]any
	return json.Unmarshal(body, &doc) == nil && doc["authorization_endpoint"] != nil
}

type TimeoutParams struct {
	IssuerURI   string
	ClientID    string
	CallbackURL string
	Timeout     time.Duration
}

// Timeout runs after silent sign-in timed out. Checks go from the most
// to the least specific finding.
func (d *Diagnoser) Timeout(ctx context.Context, p TimeoutParams) *InitializationError {
	e := &InitializationError{
		Kind:         KindBadConfiguration,
		IssuerURI:    p.IssuerURI,
		ClientID:     p.ClientID,
		TimeoutDelay: p.Timeout,
		URL:          p.CallbackURL,
	}

	callbackPage, err := d.fetch(ctx, p.CallbackURL)
	if err != nil {
		log.LogDebugWithFields("diagnose", "Callback URL not reachable", map[string]any{
			"url":   p.CallbackURL,
			"error": err.Error(),
		})
		e.LikelyCause = CauseRedirectURINotWhitelisted
		return e
	}

	if isDedicatedCallbackFile(p.CallbackURL) {
		switch {
		case callbackPage.status == http.StatusNotFound:
			alt := otherExtension(p.CallbackURL)
			if r, err := d.fetch(ctx, alt); err == nil && r.status == http.StatusOK {
				e.LikelyCause = CauseCallbackLegacyExtension
				return e
			}
			e.LikelyCause = CauseCallbackFileMissing
			return e
		case callbackPage.status == http.StatusOK && !strings.Contains(callbackPage.body, CallbackMarker):
			e.LikelyCause = CauseCallbackRewritten
			return e
		}
	}

	if forbidsFraming(callbackPage.header) {
		e.LikelyCause = CauseFrameAncestors
		return e
	}

	e.LikelyCause = CauseRedirectURINotWhitelisted
	return e
}

type fetchResult struct {
	status int
	header http.Header
	body   string
}

func (d *Diagnoser) fetch(ctx context.Context, url string) (*fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return &fetchResult{
		status: resp.StatusCode,
		header: resp.Header,
		body:   ioutil.ReadLimited(resp.Body, maxFetchedBody),
	}, nil
}

func isDedicatedCallbackFile(u string) bool {
	path := strings.SplitN(strings.SplitN(u, "?", 2)[0], "#", 2)[0]
	return strings.HasSuffix(path, ".html") || strings.HasSuffix(path, ".htm")
}

func otherExtension(u string) string {
	path, rest := u, ""
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		path, rest = u[:i], u[i:]
	}
	if strings.HasSuffix(path, ".html") {
		return strings.TrimSuffix(path, "l") + rest
	}
	return path + "l" + rest
}

func forbidsFraming(h http.Header) bool {
	for _, csp := range h.Values("Content-Security-Policy") {
		for _, directive := range strings.Split(csp, ";") {
			fields := strings.Fields(strings.ToLower(directive))
			if len(fields) == 2 && fields[0] == "frame-ancestors" && fields[1] == "'none'" {
				return true
			}
		}
	}
	return strings.EqualFold(strings.TrimSpace(h.Get("X-Frame-Options")), "deny")
}
