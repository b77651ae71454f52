package oidcspa

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/oidc-spa/internal/browser"
	"github.com/dgellow/oidc-spa/internal/confighash"
	"github.com/dgellow/oidc-spa/internal/statedata"
	"github.com/dgellow/oidc-spa/internal/testutil"
	"github.com/stretchr/testify/require"
)

const (
	appOrigin = "https://app.example.com"
	homeURL   = appOrigin + "/"
)

type registeredClient struct {
	idp    *testutil.FakeIdP
	params Params
}

// harness is one browser origin talking to one or more fake providers.
type harness struct {
	origin *browser.MemoryOrigin

	mu      sync.Mutex
	clients []registeredClient
}

func newHarness(t *testing.T) (*harness, *testutil.FakeIdP, Params) {
	return newHarnessAt(t, appOrigin)
}

func newHarnessAt(t *testing.T, origin string) (*harness, *testutil.FakeIdP, Params) {
	h := &harness{origin: browser.NewMemoryOrigin(origin)}
	h.origin.OnFrameLoad(h.serveFrame)
	idp, params := h.addClient(t, "spa", origin+"/")
	return h, idp, params
}

func (h *harness) addClient(t *testing.T, clientID, home string) (*testutil.FakeIdP, Params) {
	idp := testutil.NewFakeIdP(t, clientID)
	params := Params{
		IssuerURI:           idp.Issuer(),
		ClientID:            clientID,
		HomeURL:             home,
		SilentSignInTimeout: 5 * time.Second,
	}
	h.mu.Lock()
	h.clients = append(h.clients, registeredClient{idp: idp, params: params})
	h.mu.Unlock()
	return idp, params
}

// serveFrame plays a hidden frame: the provider answers the authorize
// request and the app boots inside the frame, as a real page would.
func (h *harness) serveFrame(frame *browser.MemoryEnv) {
	h.mu.Lock()
	clients := append([]registeredClient(nil), h.clients...)
	h.mu.Unlock()

	for _, c := range clients {
		if !strings.HasPrefix(frame.Href(), c.idp.Issuer()) {
			continue
		}
		back, err := c.idp.Authorize(frame.Href())
		if err != nil {
			return
		}
		_, _ = NewPage(frame.Load(back)).Bootstrap(context.Background(), c.params)
		return
	}
}

func (h *harness) tab() *browser.MemoryEnv {
	return h.origin.NewTab(homeURLOf(h))
}

func homeURLOf(h *harness) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[0].params.HomeURL
}

// completeLogin follows the authorize URL tab was sent to, runs the
// callback document and returns the document the user lands on.
func completeLogin(t *testing.T, idp *testutil.FakeIdP, tab *browser.MemoryEnv, params Params) (landed *browser.MemoryEnv, callbackURL string) {
	t.Helper()
	callbackURL, err := idp.Authorize(tab.LastAssigned())
	require.NoError(t, err)

	doc := tab.Load(callbackURL)
	_, err = NewPage(doc).Bootstrap(context.Background(), params)
	require.ErrorIs(t, err, ErrSuspended)
	return doc.Load(doc.LastAssigned()), callbackURL
}

func stateDataKeys(h *harness) []string {
	var out []string
	for _, k := range h.origin.LocalStorage().Keys() {
		if strings.HasPrefix(k, statedata.KeyPrefix) {
			out = append(out, k)
		}
	}
	return out
}

func hashOf(params Params) confighash.Hash {
	return confighash.Of(params.IssuerURI, params.ClientID)
}

func loggedIn(t *testing.T, s Session, err error) *LoggedIn {
	t.Helper()
	require.NoError(t, err)
	li, ok := s.(*LoggedIn)
	require.True(t, ok, "expected a logged in session, got %T", s)
	return li
}

func notLoggedIn(t *testing.T, s Session, err error) *NotLoggedIn {
	t.Helper()
	require.NoError(t, err)
	nl, ok := s.(*NotLoggedIn)
	require.True(t, ok, "expected a logged out session, got %T", s)
	return nl
}

func bootstrapLoggedIn(t *testing.T, page *Page, params Params) *LoggedIn {
	t.Helper()
	s, err := page.Bootstrap(context.Background(), params)
	return loggedIn(t, s, err)
}

func bootstrapNotLoggedIn(t *testing.T, page *Page, params Params) *NotLoggedIn {
	t.Helper()
	s, err := page.Bootstrap(context.Background(), params)
	return notLoggedIn(t, s, err)
}

// browserTab is a lone tab with no provider behind it.
func browserTab() *browser.MemoryEnv {
	return browser.NewMemoryOrigin(appOrigin).NewTab(homeURL)
}
