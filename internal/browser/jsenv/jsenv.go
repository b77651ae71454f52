//go:build js && wasm

// Package jsenv implements browser.Env on top of syscall/js.
package jsenv

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall/js"
	"time"

	"github.com/dgellow/oidc-spa/internal/browser"
)

var _ browser.Env = (*Env)(nil)

// Env is the window the wasm module was loaded into.
type Env struct {
	window js.Value
}

// New binds to the global window.
func New() *Env {
	return &Env{window: js.Global()}
}

func (e *Env) location() js.Value { return e.window.Get("location") }

func (e *Env) Href() string   { return e.location().Get("href").String() }
func (e *Env) Origin() string { return e.location().Get("origin").String() }

func (e *Env) Assign(url string) { e.location().Call("assign", url) }
func (e *Env) Reload()           { e.location().Call("reload") }
func (e *Env) HistoryBack()      { e.window.Get("history").Call("back") }
func (e *Env) HistoryForward()   { e.window.Get("history").Call("forward") }

func (e *Env) LocalStorage() browser.Storage {
	return &storage{area: e.window.Get("localStorage")}
}

func (e *Env) SessionStorage() browser.Storage {
	return &storage{area: e.window.Get("sessionStorage")}
}

func (e *Env) IsInIframe() bool {
	return !e.window.Get("parent").Equal(e.window)
}

func (e *Env) PostToParent(data, targetOrigin string) error {
	if !e.IsInIframe() {
		return errors.New("jsenv: document has no parent window")
	}
	return catch(func() {
		e.window.Get("parent").Call("postMessage", data, targetOrigin)
	})
}

func (e *Env) OnMessage(fn func(browser.Message)) func() {
	return e.listen(e.window, "message", func(ev js.Value) {
		data := ev.Get("data")
		if data.Type() != js.TypeString {
			return
		}
		fn(browser.Message{Origin: ev.Get("origin").String(), Data: data.String()})
	})
}

func (e *Env) listen(target js.Value, event string, fn func(ev js.Value)) func() {
	cb := js.FuncOf(func(this js.Value, args []js.Value) any {
		if len(args) > 0 {
			fn(args[0])
		}
		return nil
	})
	target.Call("addEventListener", event, cb)
	var once sync.Once
	return func() {
		once.Do(func() {
			target.Call("removeEventListener", event, cb)
			cb.Release()
		})
	}
}

type frame struct {
	el js.Value
}

func (f *frame) Remove() { f.el.Call("remove") }

func (e *Env) CreateHiddenFrame(src string) (browser.Frame, error) {
	doc := e.window.Get("document")
	var el js.Value
	err := catch(func() {
		el = doc.Call("createElement", "iframe")
		el.Set("title", "oidc-spa silent sign-in")
		el.Set("src", src)
		el.Get("style").Set("display", "none")
		el.Call("setAttribute", "sandbox", "allow-scripts allow-same-origin")
		doc.Get("body").Call("appendChild", el)
	})
	if err != nil {
		return nil, err
	}
	return &frame{el: el}, nil
}

type channel struct {
	bc        js.Value
	callbacks []js.Func
}

func (c *channel) Post(data string) error {
	return catch(func() { c.bc.Call("postMessage", data) })
}

func (c *channel) OnMessage(fn func(string)) {
	cb := js.FuncOf(func(this js.Value, args []js.Value) any {
		if len(args) > 0 {
			if d := args[0].Get("data"); d.Type() == js.TypeString {
				fn(d.String())
			}
		}
		return nil
	})
	c.callbacks = append(c.callbacks, cb)
	c.bc.Call("addEventListener", "message", cb)
}

func (c *channel) Close() {
	c.bc.Call("close")
	for _, cb := range c.callbacks {
		cb.Release()
	}
	c.callbacks = nil
}

func (e *Env) OpenChannel(name string) (browser.Channel, error) {
	ctor := e.window.Get("BroadcastChannel")
	if ctor.IsUndefined() {
		return nil, browser.ErrUnsupported
	}
	return &channel{bc: ctor.New(name)}, nil
}

func (e *Env) OnVisible(fn func()) func() {
	doc := e.window.Get("document")
	var unsubscribe func()
	unsubscribe = e.listen(doc, "visibilitychange", func(js.Value) {
		if doc.Get("visibilityState").String() != "visible" {
			return
		}
		// release after the handler returns
		go unsubscribe()
		fn()
	})
	return unsubscribe
}

func (e *Env) NetworkInfo() (browser.NetworkInfo, bool) {
	conn := e.window.Get("navigator").Get("connection")
	if conn.IsUndefined() || conn.IsNull() {
		return browser.NetworkInfo{}, false
	}
	rtt, downlink := conn.Get("rtt"), conn.Get("downlink")
	if rtt.Type() != js.TypeNumber || downlink.Type() != js.TypeNumber {
		return browser.NetworkInfo{}, false
	}
	return browser.NetworkInfo{
		RTT:          time.Duration(rtt.Float() * float64(time.Millisecond)),
		DownlinkMbps: downlink.Float(),
	}, true
}

var activityEvents = map[string]browser.ActivityKind{
	"pointermove": browser.ActivityPointer,
	"pointerdown": browser.ActivityPointer,
	"keydown":     browser.ActivityKey,
	"scroll":      browser.ActivityScroll,
	"touchstart":  browser.ActivityTouch,
}

func (e *Env) OnActivity(fn func(browser.ActivityKind)) func() {
	var unsubs []func()
	for event, kind := range activityEvents {
		kind := kind
		unsubs = append(unsubs, e.listen(e.window, event, func(js.Value) { fn(kind) }))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (e *Env) Alert(message string) { e.window.Call("alert", message) }

type storage struct {
	area js.Value
}

func (s *storage) GetItem(key string) (string, bool) {
	v := s.area.Call("getItem", key)
	if v.IsNull() {
		return "", false
	}
	return v.String(), true
}

func (s *storage) SetItem(key, value string) error {
	return catch(func() { s.area.Call("setItem", key, value) })
}

func (s *storage) RemoveItem(key string) { s.area.Call("removeItem", key) }

func (s *storage) Keys() []string {
	n := s.area.Get("length").Int()
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if k := s.area.Call("key", i); !k.IsNull() {
			keys = append(keys, k.String())
		}
	}
	sort.Strings(keys)
	return keys
}

// catch turns a JavaScript exception raised by fn into an error.
func catch(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if jsErr, ok := r.(js.Error); ok {
				err = jsErr
				return
			}
			err = fmt.Errorf("jsenv: %v", r)
		}
	}()
	fn()
	return nil
}
