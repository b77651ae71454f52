package idle

import (
	"sync"
	"time"

	"github.com/dgellow/oidc-spa/internal/browser"
	"github.com/dgellow/oidc-spa/internal/log"
	"golang.org/x/time/rate"
)

const (
	DefaultInactivityThreshold = 5 * time.Second
	DefaultThrottle            = time.Second
)

// ActivityObserver turns raw DOM activity events into active/inactive
// transitions. One observer is shared by every session on the page.
type ActivityObserver struct {
	env       browser.Env
	threshold time.Duration
	limiter   *rate.Limiter

	mu          sync.Mutex
	started     bool
	active      bool
	timer       *time.Timer
	subs        map[int]func(active bool)
	nextID      int
	unsubscribe func()
}

type ObserverOption func(*ActivityObserver)

// WithInactivityThreshold sets how long without events counts as inactive.
func WithInactivityThreshold(d time.Duration) ObserverOption {
	return func(o *ActivityObserver) {
		o.threshold = d
	}
}

// WithThrottle sets the minimum spacing of processed events.
func WithThrottle(every time.Duration) ObserverOption {
	return func(o *ActivityObserver) {
		o.limiter = rate.NewLimiter(rate.Every(every), 1)
	}
}

func NewActivityObserver(env browser.Env, opts ...ObserverOption) *ActivityObserver {
	o := &ActivityObserver{
		env:       env,
		threshold: DefaultInactivityThreshold,
		limiter:   rate.NewLimiter(rate.Every(DefaultThrottle), 1),
		subs:      make(map[int]func(bool)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start listens to the page. The user counts as active at start. Calling
// Start again is a no-op.
func (o *ActivityObserver) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.active = true
	o.timer = time.AfterFunc(o.threshold, o.becomeInactive)
	o.mu.Unlock()

	unsubscribe := o.env.OnActivity(o.Observe)
	o.mu.Lock()
	o.unsubscribe = unsubscribe
	o.mu.Unlock()
}

func (o *ActivityObserver) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.timer != nil {
		o.timer.Stop()
	}
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
}

// Observe records one activity event.
func (o *ActivityObserver) Observe(kind browser.ActivityKind) {
	if !o.limiter.Allow() {
		return
	}
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.timer.Reset(o.threshold)
	if o.active {
		o.mu.Unlock()
		return
	}
	o.active = true
	subs := o.snapshotLocked()
	o.mu.Unlock()

	log.LogTraceWithFields("idle", "User active", map[string]any{"kind": kind})
	for _, fn := range subs {
		fn(true)
	}
}

func (o *ActivityObserver) becomeInactive() {
	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		return
	}
	o.active = false
	subs := o.snapshotLocked()
	o.mu.Unlock()

	log.LogTraceWithFields("idle", "User inactive", nil)
	for _, fn := range subs {
		fn(false)
	}
}

func (o *ActivityObserver) snapshotLocked() []func(bool) {
	out := make([]func(bool), 0, len(o.subs))
	for _, fn := range o.subs {
		out = append(out, fn)
	}
	return out
}

func (o *ActivityObserver) IsActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Subscribe registers fn for active/inactive transitions.
func (o *ActivityObserver) Subscribe(fn func(active bool)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}
