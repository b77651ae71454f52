package silent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/oidc-spa/internal/authresponse"
	"github.com/dgellow/oidc-spa/internal/browser"
	"github.com/dgellow/oidc-spa/internal/callback"
	"github.com/dgellow/oidc-spa/internal/confighash"
	"github.com/dgellow/oidc-spa/internal/oidc"
	"github.com/dgellow/oidc-spa/internal/statedata"
	"github.com/dgellow/oidc-spa/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appOrigin = "https://app.example.com"

type fixture struct {
	idp    *testutil.FakeIdP
	origin *browser.MemoryOrigin
	tab    *browser.MemoryEnv
	store  *statedata.Store
	proto  *Protocol
	hash   confighash.Hash
}

func newFixture(t *testing.T) *fixture {
	idp := testutil.NewFakeIdP(t, "spa")
	origin := browser.NewMemoryOrigin(appOrigin)
	tab := origin.NewTab(appOrigin + "/")
	store := statedata.NewStore(tab.LocalStorage())
	client := oidc.NewClient(oidc.Config{IssuerURI: idp.Issuer(), ClientID: "spa"})
	return &fixture{
		idp:    idp,
		origin: origin,
		tab:    tab,
		store:  store,
		proto:  New(tab, store, client),
		hash:   confighash.Of(idp.Issuer(), "spa"),
	}
}

// serveFrames makes hidden frames follow the provider's redirect and run
// the callback pass, as the browser would.
func (f *fixture) serveFrames() {
	f.origin.OnFrameLoad(func(frame *browser.MemoryEnv) {
		back, err := f.idp.Authorize(frame.Href())
		if err != nil {
			return
		}
		doc := frame.Load(back)
		_, _ = callback.NewHandler(doc, statedata.NewStore(doc.LocalStorage())).Handle(context.Background())
	})
}

func (f *fixture) stateDataKeys() []string {
	var out []string
	for _, k := range f.origin.LocalStorage().Keys() {
		if strings.HasPrefix(k, statedata.KeyPrefix) {
			out = append(out, k)
		}
	}
	return out
}

func TestAttempt_Success(t *testing.T) {
	f := newFixture(t)
	f.idp.SetSessionActive(true)
	f.serveFrames()

	res, err := f.proto.Attempt(context.Background(), Params{
		ConfigHash:  f.hash,
		RedirectURI: appOrigin + "/",
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	assert.False(t, res.Response.HasError())
	assert.NotEmpty(t, res.Response.Code())
	assert.Equal(t, f.hash, res.Attempt.ConfigHash)
	assert.NotEmpty(t, res.Attempt.CodeVerifier)

	assert.Empty(t, f.stateDataKeys())
	require.Len(t, f.tab.Frames(), 1)
	assert.Eventually(t, f.tab.Frames()[0].Removed, time.Second, 5*time.Millisecond)
}

func TestAttempt_NoSessionIsNotAFailure(t *testing.T) {
	f := newFixture(t)
	f.serveFrames()

	res, err := f.proto.Attempt(context.Background(), Params{
		ConfigHash:  f.hash,
		RedirectURI: appOrigin + "/",
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, res.Response.HasError())
	assert.Equal(t, "login_required", res.Response.ErrorCode())
	assert.Empty(t, f.stateDataKeys())
}

func TestAttempt_Timeout(t *testing.T) {
	f := newFixture(t)

	start := time.Now()
	_, err := f.proto.Attempt(context.Background(), Params{
		ConfigHash:  f.hash,
		RedirectURI: appOrigin + "/",
		Timeout:     100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, IsFailure(err, CauseTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, f.stateDataKeys())
}

func TestAttempt_IgnoresForeignMessages(t *testing.T) {
	f := newFixture(t)
	f.origin.OnFrameLoad(func(frame *browser.MemoryEnv) {
		payload, _ := authresponse.AuthResponse{"state": "ospa_someone-else", "code": "x"}.Marshal()
		_ = frame.PostToParent(payload, appOrigin)
	})

	_, err := f.proto.Attempt(context.Background(), Params{
		ConfigHash:  f.hash,
		RedirectURI: appOrigin + "/",
		Timeout:     100 * time.Millisecond,
	})
	assert.True(t, IsFailure(err, CauseTimeout))
}

func TestAttempt_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	issuer := srv.URL + "/realms/acme"
	srv.Close()

	origin := browser.NewMemoryOrigin(appOrigin)
	tab := origin.NewTab(appOrigin + "/")
	store := statedata.NewStore(tab.LocalStorage())
	proto := New(tab, store, oidc.NewClient(oidc.Config{IssuerURI: issuer, ClientID: "spa"}))

	_, err := proto.Attempt(context.Background(), Params{
		ConfigHash:  confighash.Of(issuer, "spa"),
		RedirectURI: appOrigin + "/",
		Timeout:     5 * time.Second,
	})
	require.Error(t, err)
	assert.True(t, IsFailure(err, CauseUnreachable))
	assert.ErrorIs(t, err, oidc.ErrEndpointUnreachable)
	assert.Empty(t, origin.LocalStorage().Keys())
}

func TestComputeTimeout(t *testing.T) {
	tab := browser.NewMemoryOrigin(appOrigin).NewTab(appOrigin + "/")
	assert.Equal(t, DefaultTimeout, ComputeTimeout(tab, false))
	assert.Equal(t, DefaultTimeoutDev, ComputeTimeout(tab, true))

	tab.SetNetworkInfo(browser.NetworkInfo{RTT: 50 * time.Millisecond, DownlinkMbps: 10})
	fast := ComputeTimeout(tab, false)
	assert.Equal(t, BaseTimeout+200*time.Millisecond+200*time.Millisecond, fast)
	assert.Greater(t, ComputeTimeout(tab, true), fast)

	tab.SetNetworkInfo(browser.NetworkInfo{RTT: 600 * time.Millisecond, DownlinkMbps: 0.5})
	slow := ComputeTimeout(tab, false)
	assert.Greater(t, slow, fast)

	tab.SetNetworkInfo(browser.NetworkInfo{RTT: 0, DownlinkMbps: 0})
	assert.Equal(t, BaseTimeout+maxBandwidthPenalty, ComputeTimeout(tab, false))
}
