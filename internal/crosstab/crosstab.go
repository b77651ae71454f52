package crosstab

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgellow/oidc-spa/internal/browser"
	"github.com/dgellow/oidc-spa/internal/confighash"
	"github.com/dgellow/oidc-spa/internal/log"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

type RedirectTo string

const (
	RedirectHome        RedirectTo = "home"
	RedirectCurrentPage RedirectTo = "current_page"
	RedirectSpecificURL RedirectTo = "specific_url"
)

// LogoutParams says where a tab goes after logging out.
type LogoutParams struct {
	RedirectTo RedirectTo `json:"redirectTo" validate:"required,oneof=home current_page specific_url"`
	URL        string     `json:"url,omitempty" validate:"omitempty,url"`
}

var ErrInvalidParams = errors.New("crosstab: invalid logout params")

var validate = validator.New()

func (p LogoutParams) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.RedirectTo == RedirectSpecificURL && p.URL == "" {
		return fmt.Errorf("%w: specific_url requires url", ErrInvalidParams)
	}
	return nil
}

// Message is what travels on the logout channel.
type Message struct {
	SenderID string       `json:"senderId" validate:"required"`
	Params   LogoutParams `json:"params"`
}

// NewSenderID returns an id unique to one session instance.
func NewSenderID() string {
	return ulid.Make().String()
}

// Propagator relays logouts between tabs sharing a ConfigHash.
type Propagator struct {
	env      browser.Env
	hash     confighash.Hash
	senderID string

	mu       sync.Mutex
	channel  browser.Channel
	received bool
}

func New(env browser.Env, hash confighash.Hash, senderID string) *Propagator {
	return &Propagator{env: env, hash: hash, senderID: senderID}
}

// Listen opens the channel. onLogout runs at most once, for the first
// logout announced by another sender; the channel is closed first so the
// resulting logout is not echoed. Without BroadcastChannel support the
// session is simply single-tab.
func (p *Propagator) Listen(onLogout func(LogoutParams)) {
	ch, err := p.env.OpenChannel(p.hash.ChannelName())
	if err != nil {
		if errors.Is(err, browser.ErrUnsupported) {
			log.LogDebugWithFields("crosstab", "BroadcastChannel unsupported, logout stays local", nil)
			return
		}
		log.LogWarnWithFields("crosstab", "Failed to open logout channel", map[string]any{
			"error": err.Error(),
		})
		return
	}

	p.mu.Lock()
	p.channel = ch
	p.mu.Unlock()

	ch.OnMessage(func(data string) {
		msg, err := decode(data)
		if err != nil {
			log.LogWarnWithFields("crosstab", "Ignoring malformed logout message", map[string]any{
				"error": err.Error(),
			})
			return
		}
		if msg.SenderID == p.senderID {
			return
		}

		p.mu.Lock()
		if p.received {
			p.mu.Unlock()
			return
		}
		p.received = true
		p.mu.Unlock()
		p.Close()

		log.LogInfoWithFields("crosstab", "Logout propagated from another tab", map[string]any{
			"redirectTo": msg.Params.RedirectTo,
		})
		onLogout(msg.Params)
	})
}

func decode(data string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, err
	}
	if err := validate.Struct(msg); err != nil {
		return nil, err
	}
	if err := msg.Params.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Broadcast announces a logout to the other tabs.
func (p *Propagator) Broadcast(params LogoutParams) error {
	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()
	if ch == nil {
		return nil
	}
	b, err := json.Marshal(Message{SenderID: p.senderID, Params: params})
	if err != nil {
		return err
	}
	return ch.Post(string(b))
}

func (p *Propagator) Close() {
	p.mu.Lock()
	ch := p.channel
	p.channel = nil
	p.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}
