// Package browser defines the boundary between the session orchestrator and
// the page it runs in. Everything the orchestrator needs from a browser tab
// (location, storage, frames, postMessage, broadcast channels, visibility,
// network hints, user activity) goes through Env, so the same code runs under
// js/wasm (see jsenv) and in-process for tests (see MemoryEnv).
package browser

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupported is returned when the page lacks an optional capability,
// for example BroadcastChannel in older browsers.
var ErrUnsupported = errors.New("browser: feature not supported")

// ErrSuspended marks an operation that issued a navigation. The current
// document is about to be destroyed and the caller must not act further.
var ErrSuspended = errors.New("page is navigating away")

// SuspendedError carries where the page is going and why.
type SuspendedError struct {
	Reason string
	URL    string
}

func (e *SuspendedError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s: %s", ErrSuspended, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", ErrSuspended, e.Reason, e.URL)
}

func (e *SuspendedError) Is(target error) bool { return target == ErrSuspended }

// Suspend builds the error returned after a navigation has been issued.
func Suspend(reason, url string) error {
	return &SuspendedError{Reason: reason, URL: url}
}

// Storage mirrors the Web Storage API.
type Storage interface {
	GetItem(key string) (string, bool)
	SetItem(key, value string) error
	RemoveItem(key string)
	Keys() []string
}

// Message is a window "message" event.
type Message struct {
	Origin string
	Data   string
}

// NetworkInfo mirrors navigator.connection.
type NetworkInfo struct {
	RTT          time.Duration
	DownlinkMbps float64
}

// ActivityKind identifies the DOM event family that signalled user activity.
type ActivityKind string

const (
	ActivityPointer ActivityKind = "pointer"
	ActivityKey     ActivityKind = "key"
	ActivityScroll  ActivityKind = "scroll"
	ActivityTouch   ActivityKind = "touch"
)

// Frame is a hidden iframe owned by the page.
type Frame interface {
	Remove()
}

// Channel mirrors BroadcastChannel: posted data reaches every other channel
// with the same name on the same origin, never the poster itself.
type Channel interface {
	Post(data string) error
	OnMessage(fn func(data string))
	Close()
}

// Env is one browsing context (a tab or an iframe).
type Env interface {
	Href() string
	Origin() string

	// Assign performs a full-page navigation; the current document unloads.
	Assign(url string)
	Reload()
	HistoryBack()
	HistoryForward()

	LocalStorage() Storage
	SessionStorage() Storage

	IsInIframe() bool
	// PostToParent delivers data to the parent window when its origin equals
	// targetOrigin. Mismatches are dropped silently, as browsers do.
	PostToParent(data, targetOrigin string) error
	OnMessage(fn func(Message)) (unsubscribe func())
	CreateHiddenFrame(src string) (Frame, error)

	OpenChannel(name string) (Channel, error)

	// OnVisible runs fn once, the next time the document becomes visible.
	OnVisible(fn func()) (cancel func())
	NetworkInfo() (NetworkInfo, bool)
	OnActivity(fn func(ActivityKind)) (unsubscribe func())

	Alert(message string)
}
