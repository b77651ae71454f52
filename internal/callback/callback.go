package callback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgellow/oidc-spa/internal/authresponse"
	"github.com/dgellow/oidc-spa/internal/browser"
	"github.com/dgellow/oidc-spa/internal/confighash"
	"github.com/dgellow/oidc-spa/internal/log"
	"github.com/dgellow/oidc-spa/internal/statedata"
	"github.com/dgellow/oidc-spa/internal/urlutil"
)

// HistoryDirectionKey tracks, per tab, which way we last walked off a stale
// callback URL.
const HistoryDirectionKey = "oidc-spa.history-direction"

type Outcome string

const (
	NotACallback    Outcome = "not_a_callback"
	PostedToParent  Outcome = "posted_to_parent"
	RedirectHandled Outcome = "redirect_handled"
	StaleCallback   Outcome = "stale_callback"
)

// Result of the callback pass. Suspended is set whenever the pass issued a
// navigation or ended the iframe's useful life; callers must stop.
type Result struct {
	Outcome    Outcome
	ConfigHash confighash.Hash
	Suspended  error
}

// Handler runs the callback pass once per page load.
type Handler struct {
	env   browser.Env
	store *statedata.Store

	once   sync.Once
	result Result
	err    error
}

func NewHandler(env browser.Env, store *statedata.Store) *Handler {
	return &Handler{env: env, store: store}
}

// Handle inspects the current URL. Only the first call does any work.
func (h *Handler) Handle(ctx context.Context) (Result, error) {
	h.once.Do(func() {
		h.result, h.err = h.handle(ctx)
	})
	return h.result, h.err
}

func (h *Handler) handle(_ context.Context) (Result, error) {
	href := h.env.Href()
	params, err := urlutil.QueryParams(href)
	if err != nil {
		return Result{Outcome: NotACallback}, nil
	}
	state := params["state"]
	if !statedata.IsToken(state) {
		return Result{Outcome: NotACallback}, nil
	}

	data, err := h.store.Get(state)
	if errors.Is(err, statedata.ErrNotFound) {
		return h.walkOffStaleCallback(), nil
	}
	if err != nil {
		log.LogErrorWithFields("callback", "Unreadable state data", map[string]any{
			"error": err.Error(),
		})
		return Result{}, err
	}

	response, err := authresponse.FromURL(href)
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse callback URL: %w", err)
	}

	switch d := data.(type) {
	case *statedata.IFrame:
		return h.postToParent(d, response)
	case *statedata.Redirect:
		if d.HasBeenProcessedByCallback {
			return h.walkOffStaleCallback(), nil
		}
		return h.completeRedirect(state, d, response)
	default:
		return Result{}, fmt.Errorf("%w: unhandled state data %T", statedata.ErrAssertion, data)
	}
}

func (h *Handler) postToParent(d *statedata.IFrame, response authresponse.AuthResponse) (Result, error) {
	payload, err := response.Marshal()
	if err != nil {
		return Result{}, err
	}
	if err := h.env.PostToParent(payload, h.env.Origin()); err != nil {
		return Result{}, fmt.Errorf("%w: iframe state data outside an iframe: %v", statedata.ErrAssertion, err)
	}
	log.LogDebugWithFields("callback", "Posted auth response to parent", map[string]any{
		"configHash": d.ConfigHash,
		"hasError":   response.HasError(),
	})
	return Result{
		Outcome:    PostedToParent,
		ConfigHash: d.ConfigHash,
		Suspended:  browser.Suspend("silent sign-in response delivered to parent", ""),
	}, nil
}

func (h *Handler) completeRedirect(state string, d *statedata.Redirect, response authresponse.AuthResponse) (Result, error) {
	if err := h.store.MarkProcessed(state); err != nil {
		return Result{}, err
	}
	if err := authresponse.SavePending(h.env.SessionStorage(), response); err != nil {
		return Result{}, fmt.Errorf("failed to persist auth response: %w", err)
	}

	// a bfcache restore of the callback document must re-run the pass
	env := h.env
	env.OnVisible(func() { env.Reload() })

	target := landingURL(d.RedirectURL)
	log.LogDebugWithFields("callback", "Returning from auth server", map[string]any{
		"configHash": d.ConfigHash,
		"redirectTo": target,
	})
	h.env.Assign(target)
	return Result{
		Outcome:    RedirectHandled,
		ConfigHash: d.ConfigHash,
		Suspended:  browser.Suspend("returning from auth server", target),
	}, nil
}

// responseParams are the query parameters an authorization response adds.
var responseParams = []string{"state", "code", "session_state", "iss", "error", "error_description", "error_uri"}

// landingURL strips a leftover authorization response from the URL the
// user started the login on, so the next document is not taken for a
// callback.
func landingURL(raw string) string {
	params, err := urlutil.QueryParams(raw)
	if err != nil || !statedata.IsToken(params["state"]) {
		return raw
	}
	cleaned, err := urlutil.RemoveQueryParams(raw, responseParams...)
	if err != nil {
		return raw
	}
	return cleaned
}

// walkOffStaleCallback alternates history.back and history.forward so that
// a user landing on an already consumed callback URL leaves it within two
// steps, whichever direction they came from.
func (h *Handler) walkOffStaleCallback() Result {
	s := h.env.SessionStorage()
	last, _ := s.GetItem(HistoryDirectionKey)
	next := "back"
	if last == "back" {
		next = "forward"
	}
	_ = s.SetItem(HistoryDirectionKey, next)

	log.LogDebugWithFields("callback", "Stale callback URL, moving through history", map[string]any{
		"direction": next,
	})
	if next == "back" {
		h.env.HistoryBack()
	} else {
		h.env.HistoryForward()
	}
	return Result{
		Outcome:   StaleCallback,
		Suspended: browser.Suspend("leaving stale callback URL", ""),
	}
}
