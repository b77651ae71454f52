package callback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgellow/oidc-spa/internal/authresponse"
	"github.com/dgellow/oidc-spa/internal/browser"
	"github.com/dgellow/oidc-spa/internal/confighash"
	"github.com/dgellow/oidc-spa/internal/statedata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const appOrigin = "https://app.example.com"

var hash = confighash.Of("https://idp.example.com/realms/acme", "spa")

func base() statedata.Base {
	return statedata.Base{
		ConfigHash:   hash,
		CodeVerifier: oauth2.GenerateVerifier(),
		Nonce:        "n",
		RedirectURI:  appOrigin + "/",
	}
}

func TestHandle_NotACallback(t *testing.T) {
	for _, href := range []string{
		appOrigin + "/",
		appOrigin + "/?state=foreign-state&code=x",
	} {
		env := browser.NewMemoryOrigin(appOrigin).NewTab(href)
		h := NewHandler(env, statedata.NewStore(env.LocalStorage()))

		res, err := h.Handle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, NotACallback, res.Outcome)
		assert.Nil(t, res.Suspended)
		assert.Empty(t, env.Assigned())
	}
}

func TestHandle_Redirect(t *testing.T) {
	origin := browser.NewMemoryOrigin(appOrigin)
	store := statedata.NewStore(origin.LocalStorage())
	token := store.GenerateToken()
	require.NoError(t, store.Put(token, &statedata.Redirect{
		Base:        base(),
		RedirectURL: appOrigin + "/dashboard",
	}))

	env := origin.NewTab(appOrigin + "/?state=" + token + "&code=abc&session_state=xyz")
	h := NewHandler(env, store)

	res, err := h.Handle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RedirectHandled, res.Outcome)
	assert.Equal(t, hash, res.ConfigHash)
	assert.True(t, errors.Is(res.Suspended, browser.ErrSuspended))
	assert.Equal(t, []string{appOrigin + "/dashboard"}, env.Assigned())

	pending, ok := authresponse.PeekPending(env.SessionStorage())
	require.True(t, ok)
	assert.Equal(t, "abc", pending.Code())
	assert.Equal(t, token, pending.State())

	d, err := store.Get(token)
	require.NoError(t, err)
	assert.True(t, d.(*statedata.Redirect).HasBeenProcessedByCallback)

	// a bfcache restore reloads the page
	env.BecomeVisible()
	assert.Equal(t, 1, env.Reloads())

	// memoized: the second call does not navigate again
	res2, err := h.Handle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res, res2)
	assert.Len(t, env.Assigned(), 1)
}

func TestHandle_RedirectDropsLeftoverResponseParams(t *testing.T) {
	origin := browser.NewMemoryOrigin(appOrigin)
	store := statedata.NewStore(origin.LocalStorage())
	stale := store.GenerateToken()
	token := store.GenerateToken()
	require.NoError(t, store.Put(token, &statedata.Redirect{
		Base:        base(),
		RedirectURL: appOrigin + "/orders?page=2&state=" + stale + "&code=old",
	}))

	env := origin.NewTab(appOrigin + "/?state=" + token + "&code=abc")
	res, err := NewHandler(env, store).Handle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RedirectHandled, res.Outcome)
	assert.Equal(t, []string{appOrigin + "/orders?page=2"}, env.Assigned())
}

func TestLandingURL_LeavesForeignStateAlone(t *testing.T) {
	raw := appOrigin + "/report?state=draft&b=2"
	assert.Equal(t, raw, landingURL(raw))
}

func TestHandle_StaleCallbackAlternatesHistoryDirection(t *testing.T) {
	origin := browser.NewMemoryOrigin(appOrigin)
	store := statedata.NewStore(origin.LocalStorage())
	token := store.GenerateToken()
	require.NoError(t, store.Put(token, &statedata.Redirect{Base: base(), RedirectURL: appOrigin + "/"}))
	require.NoError(t, store.MarkProcessed(token))

	tab := origin.NewTab(appOrigin + "/?state=" + token + "&code=abc")

	res, err := NewHandler(tab, store).Handle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StaleCallback, res.Outcome)
	assert.ErrorIs(t, res.Suspended, browser.ErrSuspended)
	back, forward := tab.HistoryMoves()
	assert.Equal(t, 1, back)
	assert.Equal(t, 0, forward)

	// next load of the same stale URL in this tab goes the other way
	next := tab.Load(appOrigin + "/?state=" + token + "&code=abc")
	_, err = NewHandler(next, store).Handle(context.Background())
	require.NoError(t, err)
	back, forward = next.HistoryMoves()
	assert.Equal(t, 1, back)
	assert.Equal(t, 1, forward)

	assert.Empty(t, tab.Assigned())
}

func TestHandle_UnknownTokenWalksHistory(t *testing.T) {
	origin := browser.NewMemoryOrigin(appOrigin)
	store := statedata.NewStore(origin.LocalStorage())
	tab := origin.NewTab(appOrigin + "/?state=" + store.GenerateToken())

	res, err := NewHandler(tab, store).Handle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StaleCallback, res.Outcome)
	back, _ := tab.HistoryMoves()
	assert.Equal(t, 1, back)
}

func TestHandle_IFramePostsToParent(t *testing.T) {
	origin := browser.NewMemoryOrigin(appOrigin)
	store := statedata.NewStore(origin.LocalStorage())
	token := store.GenerateToken()
	require.NoError(t, store.Put(token, &statedata.IFrame{Base: base()}))

	results := make(chan Result, 1)
	origin.OnFrameLoad(func(frame *browser.MemoryEnv) {
		res, err := NewHandler(frame, store).Handle(context.Background())
		assert.NoError(t, err)
		results <- res
	})

	parent := origin.NewTab(appOrigin + "/")
	got := make(chan browser.Message, 1)
	parent.OnMessage(func(m browser.Message) { got <- m })

	_, err := parent.CreateHiddenFrame(appOrigin + "/?state=" + token + "&code=silent")
	require.NoError(t, err)

	select {
	case m := <-got:
		r, err := authresponse.Unmarshal(m.Data)
		require.NoError(t, err)
		assert.Equal(t, "silent", r.Code())
		assert.Equal(t, appOrigin, m.Origin)
	case <-time.After(time.Second):
		t.Fatal("no message from iframe")
	}

	res := <-results
	assert.Equal(t, PostedToParent, res.Outcome)
	assert.ErrorIs(t, res.Suspended, browser.ErrSuspended)
}

func TestHandle_IFrameEntryAtTopLevelIsAssertion(t *testing.T) {
	origin := browser.NewMemoryOrigin(appOrigin)
	store := statedata.NewStore(origin.LocalStorage())
	token := store.GenerateToken()
	require.NoError(t, store.Put(token, &statedata.IFrame{Base: base()}))

	tab := origin.NewTab(appOrigin + "/?state=" + token)
	_, err := NewHandler(tab, store).Handle(context.Background())
	assert.ErrorIs(t, err, statedata.ErrAssertion)
}

func TestHandle_CorruptedEntryIsHardFailure(t *testing.T) {
	origin := browser.NewMemoryOrigin(appOrigin)
	store := statedata.NewStore(origin.LocalStorage())
	token := store.GenerateToken()
	require.NoError(t, origin.LocalStorage().SetItem(statedata.KeyPrefix+token, "{}"))

	tab := origin.NewTab(appOrigin + "/?state=" + token)
	_, err := NewHandler(tab, store).Handle(context.Background())
	assert.ErrorIs(t, err, statedata.ErrAssertion)
}
