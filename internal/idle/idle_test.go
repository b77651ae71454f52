package idle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/oidc-spa/internal/browser"
	"github.com/stretchr/testify/assert"
)

func newTab() *browser.MemoryEnv {
	return browser.NewMemoryOrigin("https://app.example.com").NewTab("https://app.example.com/")
}

func TestActivityObserver_Transitions(t *testing.T) {
	tab := newTab()
	o := NewActivityObserver(tab, WithInactivityThreshold(50*time.Millisecond), WithThrottle(time.Millisecond))

	var mu sync.Mutex
	var transitions []bool
	o.Subscribe(func(active bool) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, active)
	})
	o.Start()
	defer o.Stop()
	assert.True(t, o.IsActive())

	assert.Eventually(t, func() bool { return !o.IsActive() }, time.Second, 5*time.Millisecond)

	tab.SimulateActivity(browser.ActivityKey)
	assert.True(t, o.IsActive())

	mu.Lock()
	assert.Equal(t, []bool{false, true}, transitions)
	mu.Unlock()
}

func TestActivityObserver_StartIsIdempotent(t *testing.T) {
	tab := newTab()
	o := NewActivityObserver(tab, WithInactivityThreshold(time.Hour))
	o.Start()
	o.Start()
	defer o.Stop()

	var n atomic.Int32
	o.Subscribe(func(bool) { n.Add(1) })
	tab.SimulateActivity(browser.ActivityPointer)
	// already active: no transition
	assert.Zero(t, n.Load())
}

func TestCountdown_LogsOutAtZero(t *testing.T) {
	tab := newTab()
	o := NewActivityObserver(tab, WithInactivityThreshold(20*time.Millisecond), WithThrottle(time.Millisecond))
	defer o.Stop()

	loggedOut := make(chan struct{})
	c := NewCountdown(o, func() time.Duration { return 1500 * time.Millisecond }, func() { close(loggedOut) },
		WithTick(100*time.Millisecond))

	var mu sync.Mutex
	var seen []int
	c.Subscribe(func(s int) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})
	c.Start()
	defer c.Stop()

	select {
	case <-loggedOut:
	case <-time.After(3 * time.Second):
		t.Fatal("countdown never reached zero")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, seen[0])
	assert.Contains(t, seen, 1)
	assert.Equal(t, 0, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.LessOrEqual(t, seen[i], seen[i-1])
	}
}

func TestCountdown_ActivityCancels(t *testing.T) {
	tab := newTab()
	o := NewActivityObserver(tab, WithInactivityThreshold(20*time.Millisecond), WithThrottle(time.Millisecond))
	defer o.Stop()

	var loggedOut atomic.Bool
	c := NewCountdown(o, func() time.Duration { return 300 * time.Millisecond }, func() { loggedOut.Store(true) },
		WithTick(10*time.Millisecond))

	ticks := make(chan int, 100)
	c.Subscribe(func(s int) { ticks <- s })
	c.Start()
	defer c.Stop()

	// wait for the countdown to begin, then move the mouse
	<-ticks
	tab.SimulateActivity(browser.ActivityPointer)

	assert.Eventually(t, func() bool {
		for {
			select {
			case s := <-ticks:
				if s == NoCountdown {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	time.Sleep(400 * time.Millisecond)
	assert.False(t, loggedOut.Load())
}

func TestCountdown_DisabledWithoutDuration(t *testing.T) {
	tab := newTab()
	o := NewActivityObserver(tab, WithInactivityThreshold(10*time.Millisecond))
	defer o.Stop()

	var ticks atomic.Int32
	c := NewCountdown(o, func() time.Duration { return 0 }, func() { t.Error("must not log out") })
	c.Subscribe(func(int) { ticks.Add(1) })
	c.Start()
	defer c.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, ticks.Load())
}

func TestCountdown_StartAfterStopIsNoop(t *testing.T) {
	tab := newTab()
	o := NewActivityObserver(tab, WithInactivityThreshold(20*time.Millisecond), WithThrottle(time.Millisecond))
	defer o.Stop()

	var fired atomic.Bool
	var ticks atomic.Int32
	c := NewCountdown(o, func() time.Duration { return 100 * time.Millisecond }, func() { fired.Store(true) },
		WithTick(10*time.Millisecond))
	c.Subscribe(func(int) { ticks.Add(1) })

	c.Stop()
	c.Start()

	assert.Never(t, func() bool { return fired.Load() || ticks.Load() > 0 }, 400*time.Millisecond, 10*time.Millisecond)
}
