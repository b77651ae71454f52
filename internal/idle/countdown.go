package idle

import (
	"math"
	"sync"
	"time"

	"github.com/dgellow/oidc-spa/internal/log"
)

// NoCountdown is delivered to subscribers when a running countdown is
// cancelled by activity.
const NoCountdown = -1

// Countdown logs a session out after a period of inactivity. Each session
// owns one; they share the page's ActivityObserver.
type Countdown struct {
	observer *ActivityObserver
	duration func() time.Duration
	onZero   func()
	tick     time.Duration

	mu          sync.Mutex
	subs        map[int]func(secondsLeft int)
	nextID      int
	cancel      chan struct{}
	fired       bool
	started     bool
	stopped     bool
	unsubscribe func()
}

type CountdownOption func(*Countdown)

// WithTick sets the interval between subscriber notifications.
func WithTick(d time.Duration) CountdownOption {
	return func(c *Countdown) {
		c.tick = d
	}
}

// NewCountdown creates a countdown. duration is evaluated each time the
// user becomes inactive; a non-positive value disables the countdown.
func NewCountdown(observer *ActivityObserver, duration func() time.Duration, onZero func(), opts ...CountdownOption) *Countdown {
	c := &Countdown{
		observer: observer,
		duration: duration,
		onZero:   onZero,
		tick:     time.Second,
		subs:     make(map[int]func(int)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start follows the observer. It does nothing once Stop has been called.
func (c *Countdown) Start() {
	c.mu.Lock()
	if c.stopped || c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	unsubscribe := c.observer.Subscribe(func(active bool) {
		if active {
			c.stopRunning()
		} else {
			c.startRunning()
		}
	})
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		unsubscribe()
		return
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()
	c.observer.Start()
}

func (c *Countdown) Stop() {
	c.mu.Lock()
	c.stopped = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	c.stopRunning()
}

// Subscribe registers fn for every tick of a running countdown.
func (c *Countdown) Subscribe(fn func(secondsLeft int)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Countdown) notify(secondsLeft int) {
	c.mu.Lock()
	subs := make([]func(int), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(secondsLeft)
	}
}

func (c *Countdown) startRunning() {
	total := c.duration()
	if total <= 0 {
		return
	}
	c.mu.Lock()
	if c.cancel != nil || c.fired || c.stopped {
		c.mu.Unlock()
		return
	}
	cancel := make(chan struct{})
	c.cancel = cancel
	c.mu.Unlock()

	log.LogDebugWithFields("idle", "User inactive, starting auto logout countdown", map[string]any{
		"duration": total.String(),
	})
	go c.run(time.Now().Add(total), cancel)
}

func (c *Countdown) stopRunning() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		close(cancel)
		c.notify(NoCountdown)
	}
}

func (c *Countdown) run(deadline time.Time, cancel chan struct{}) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.mu.Lock()
			if c.cancel != cancel {
				c.mu.Unlock()
				return
			}
			c.cancel = nil
			c.fired = true
			c.mu.Unlock()

			c.notify(0)
			log.LogInfoWithFields("idle", "Inactivity deadline reached, logging out", nil)
			c.onZero()
			return
		}
		c.notify(int(math.Ceil(remaining.Seconds())))

		select {
		case <-ticker.C:
		case <-cancel:
			return
		}
	}
}
