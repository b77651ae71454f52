//go:build js && wasm

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"syscall/js"

	oidcspa "github.com/dgellow/oidc-spa"
	"github.com/dgellow/oidc-spa/internal/browser/jsenv"
	"github.com/dgellow/oidc-spa/internal/config"
	"github.com/dgellow/oidc-spa/internal/log"
)

var page = oidcspa.NewPage(jsenv.New(), oidcspa.WithLogOutput(consoleWriter{}))

// consoleWriter hands each log record to console.log in one call, so the
// devtools console shows records whole instead of the runtime's line buffer.
type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) {
	js.Global().Get("console").Call("log", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// promise runs fn off the event loop and settles a JS Promise with its
// result. Navigations leave the promise pending, the page is going away.
func promise(fn func() (any, error)) js.Value {
	handler := js.FuncOf(func(this js.Value, args []js.Value) any {
		resolve, reject := args[0], args[1]
		go func() {
			v, err := fn()
			switch {
			case errors.Is(err, oidcspa.ErrSuspended):
			case err != nil:
				reject.Invoke(js.Global().Get("Error").New(err.Error()))
			default:
				resolve.Invoke(v)
			}
		}()
		return nil
	})
	return js.Global().Get("Promise").New(handler)
}

func stringMap(v js.Value) map[string]string {
	if v.Type() != js.TypeObject {
		return nil
	}
	out := make(map[string]string)
	keys := js.Global().Get("Object").Call("keys", v)
	for i := 0; i < keys.Length(); i++ {
		k := keys.Index(i).String()
		out[k] = v.Get(k).String()
	}
	return out
}

func optString(args []js.Value, i int, key string) string {
	if len(args) <= i || args[i].Type() != js.TypeObject {
		return ""
	}
	if v := args[i].Get(key); v.Type() == js.TypeString {
		return v.String()
	}
	return ""
}

func optParams(args []js.Value, i int) map[string]string {
	if len(args) <= i || args[i].Type() != js.TypeObject {
		return nil
	}
	return stringMap(args[i].Get("extraQueryParams"))
}

func tokensObject(t *oidcspa.Tokens) js.Value {
	claims, _ := json.Marshal(t.DecodedIDToken.Claims)
	fields := t.Fields()
	fields["decodedIdToken"] = js.Global().Get("JSON").Call("parse", string(claims))
	return js.ValueOf(fields)
}

func loggedInObject(s *oidcspa.LoggedIn) js.Value {
	return js.ValueOf(map[string]any{
		"isUserLoggedIn":      true,
		"isNewBrowserSession": s.IsNewBrowserSession(),
		"getTokens": js.FuncOf(func(this js.Value, args []js.Value) any {
			return tokensObject(s.Tokens())
		}),
		"renewTokens": js.FuncOf(func(this js.Value, args []js.Value) any {
			return promise(func() (any, error) {
				if err := s.RenewTokens(context.Background()); err != nil {
					return nil, err
				}
				return tokensObject(s.Tokens()), nil
			})
		}),
		"subscribeToTokensChange": js.FuncOf(func(this js.Value, args []js.Value) any {
			fn := args[0]
			unsubscribe := s.SubscribeToTokensChange(func(t *oidcspa.Tokens) { fn.Invoke(tokensObject(t)) })
			return js.FuncOf(func(js.Value, []js.Value) any { unsubscribe(); return nil })
		}),
		"subscribeToAutoLogoutCountdown": js.FuncOf(func(this js.Value, args []js.Value) any {
			fn := args[0]
			unsubscribe := s.SubscribeToAutoLogoutCountdown(func(secondsLeft int) { fn.Invoke(secondsLeft) })
			return js.FuncOf(func(js.Value, []js.Value) any { unsubscribe(); return nil })
		}),
		"goToAuthServer": js.FuncOf(func(this js.Value, args []js.Value) any {
			return promise(func() (any, error) {
				return nil, s.GoToAuthServer(context.Background(), oidcspa.GoToAuthServerParams{
					ExtraQueryParams: optParams(args, 0),
					RedirectURL:      optString(args, 0, "redirectUrl"),
				})
			})
		}),
		"logout": js.FuncOf(func(this js.Value, args []js.Value) any {
			return promise(func() (any, error) {
				return nil, s.Logout(context.Background(), oidcspa.LogoutParams{
					RedirectTo: oidcspa.RedirectTo(optString(args, 0, "redirectTo")),
					URL:        optString(args, 0, "url"),
				})
			})
		}),
	})
}

func notLoggedInObject(s *oidcspa.NotLoggedIn) js.Value {
	var initErr any
	if e := s.InitializationError(); e != nil {
		initErr = js.ValueOf(map[string]any{
			"type":        string(e.Kind),
			"likelyCause": string(e.LikelyCause),
			"message":     e.Error(),
		})
	}
	return js.ValueOf(map[string]any{
		"isUserLoggedIn":      false,
		"initializationError": initErr,
		"login": js.FuncOf(func(this js.Value, args []js.Value) any {
			return promise(func() (any, error) {
				return nil, s.Login(context.Background(), oidcspa.LoginParams{
					RedirectURL:      optString(args, 0, "redirectUrl"),
					ExtraQueryParams: optParams(args, 0),
				})
			})
		}),
	})
}

// bootstrap takes the same JSON document as a config file.
var bootstrap = js.FuncOf(func(this js.Value, args []js.Value) any {
	return promise(func() (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected one params object, got %d arguments", len(args))
		}
		raw := js.Global().Get("JSON").Call("stringify", args[0]).String()

		var cfg config.Config
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if err := config.ValidateConfig(&cfg); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}

		session, err := page.Bootstrap(context.Background(), oidcspa.ParamsFromConfig(cfg))
		if err != nil {
			return nil, err
		}
		switch s := session.(type) {
		case *oidcspa.LoggedIn:
			return loggedInObject(s), nil
		case *oidcspa.NotLoggedIn:
			return notLoggedInObject(s), nil
		}
		return nil, fmt.Errorf("unexpected session %T", session)
	})
})

func main() {
	log.LogInfoWithFields("main", "oidc-spa WebAssembly initialized", map[string]any{
		"tabId": page.TabID(),
	})
	js.Global().Set("oidcSpaBootstrap", bootstrap)

	// keep the module alive for the callbacks
	select {}
}
