package browser

import (
	"errors"
	"slices"
	"sort"
	"sync"
)

var (
	_ Env     = (*MemoryEnv)(nil)
	_ Storage = (*MemoryStorage)(nil)
)

// MemoryStorage is a thread-safe in-memory Storage.
type MemoryStorage struct {
	items map[string]string
	mu    sync.RWMutex
}

// NewMemoryStorage creates an empty storage area
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (s *MemoryStorage) GetItem(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

func (s *MemoryStorage) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *MemoryStorage) RemoveItem(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

func (s *MemoryStorage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MemoryOrigin simulates everything tabs of one origin share: localStorage
// and broadcast channels. It also hosts the hook that decides what a hidden
// frame loads, which is how tests stand in for the identity provider.
type MemoryOrigin struct {
	origin string
	local  *MemoryStorage

	mu          sync.Mutex
	channels    map[string][]*memoryChannel
	noChannels  bool
	frameLoader func(frame *MemoryEnv)
}

// NewMemoryOrigin creates a simulated origin such as "https://app.example.com".
func NewMemoryOrigin(origin string) *MemoryOrigin {
	return &MemoryOrigin{
		origin:   origin,
		local:    NewMemoryStorage(),
		channels: make(map[string][]*memoryChannel),
	}
}

// LocalStorage returns the storage shared by all tabs.
func (o *MemoryOrigin) LocalStorage() *MemoryStorage { return o.local }

// DisableChannels makes OpenChannel fail with ErrUnsupported.
func (o *MemoryOrigin) DisableChannels() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.noChannels = true
}

// OnFrameLoad sets the function run, on its own goroutine, whenever a hidden
// frame is created. Without one, frames never load anything.
func (o *MemoryOrigin) OnFrameLoad(fn func(frame *MemoryEnv)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frameLoader = fn
}

// NewTab opens a top-level browsing context at href.
func (o *MemoryOrigin) NewTab(href string) *MemoryEnv {
	return newMemoryEnv(o, &tabState{
		session: NewMemoryStorage(),
		history: []string{href},
	}, nil)
}

// tabState survives navigations within one tab.
type tabState struct {
	mu       sync.Mutex
	session  *MemoryStorage
	history  []string
	index    int
	assigned []string
	reloads  int
	backs    int
	forwards int
	alerts   []string
	removed  bool
}

// MemoryEnv is one simulated document. A navigation does not replace the
// document by itself; tests call Load to obtain the next one.
type MemoryEnv struct {
	origin *MemoryOrigin
	tab    *tabState
	parent *MemoryEnv

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(Message)
	visible   map[int]func()
	activity  map[int]func(ActivityKind)
	frames    []*memoryFrame
	network   *NetworkInfo
}

func newMemoryEnv(o *MemoryOrigin, tab *tabState, parent *MemoryEnv) *MemoryEnv {
	return &MemoryEnv{
		origin:    o,
		tab:       tab,
		parent:    parent,
		listeners: make(map[int]func(Message)),
		visible:   make(map[int]func()),
		activity:  make(map[int]func(ActivityKind)),
	}
}

// Load navigates the tab to url and returns the fresh document. Session
// storage and history carry over; listeners and frames do not.
func (e *MemoryEnv) Load(url string) *MemoryEnv {
	e.tab.mu.Lock()
	if e.tab.history[e.tab.index] != url {
		e.tab.history = append(e.tab.history[:e.tab.index+1], url)
		e.tab.index = len(e.tab.history) - 1
	}
	e.tab.mu.Unlock()

	next := newMemoryEnv(e.origin, e.tab, e.parent)
	e.mu.Lock()
	next.network = e.network
	e.mu.Unlock()
	return next
}

func (e *MemoryEnv) Href() string {
	e.tab.mu.Lock()
	defer e.tab.mu.Unlock()
	return e.tab.history[e.tab.index]
}

func (e *MemoryEnv) Origin() string { return e.origin.origin }

func (e *MemoryEnv) Assign(url string) {
	e.tab.mu.Lock()
	defer e.tab.mu.Unlock()
	e.tab.assigned = append(e.tab.assigned, url)
	e.tab.history = append(e.tab.history[:e.tab.index+1], url)
	e.tab.index = len(e.tab.history) - 1
}

func (e *MemoryEnv) Reload() {
	e.tab.mu.Lock()
	defer e.tab.mu.Unlock()
	e.tab.reloads++
}

func (e *MemoryEnv) HistoryBack() {
	e.tab.mu.Lock()
	defer e.tab.mu.Unlock()
	e.tab.backs++
	if e.tab.index > 0 {
		e.tab.index--
	}
}

func (e *MemoryEnv) HistoryForward() {
	e.tab.mu.Lock()
	defer e.tab.mu.Unlock()
	e.tab.forwards++
	if e.tab.index < len(e.tab.history)-1 {
		e.tab.index++
	}
}

// Assigned lists every URL passed to Assign in this tab.
func (e *MemoryEnv) Assigned() []string {
	e.tab.mu.Lock()
	defer e.tab.mu.Unlock()
	return append([]string(nil), e.tab.assigned...)
}

// LastAssigned returns the most recent navigation target, or "".
func (e *MemoryEnv) LastAssigned() string {
	e.tab.mu.Lock()
	defer e.tab.mu.Unlock()
	if len(e.tab.assigned) == 0 {
		return ""
	}
	return e.tab.assigned[len(e.tab.assigned)-1]
}

func (e *MemoryEnv) Reloads() int {
	e.tab.mu.Lock()
	defer e.tab.mu.Unlock()
	return e.tab.reloads
}

// HistoryMoves reports how many times HistoryBack and HistoryForward ran.
func (e *MemoryEnv) HistoryMoves() (back, forward int) {
	e.tab.mu.Lock()
	defer e.tab.mu.Unlock()
	return e.tab.backs, e.tab.forwards
}

func (e *MemoryEnv) Alerts() []string {
	e.tab.mu.Lock()
	defer e.tab.mu.Unlock()
	return append([]string(nil), e.tab.alerts...)
}

func (e *MemoryEnv) LocalStorage() Storage   { return e.origin.local }
func (e *MemoryEnv) SessionStorage() Storage { return e.tab.session }

func (e *MemoryEnv) IsInIframe() bool { return e.parent != nil }

func (e *MemoryEnv) PostToParent(data, targetOrigin string) error {
	if e.parent == nil {
		return errors.New("browser: document has no parent window")
	}
	e.tab.mu.Lock()
	removed := e.tab.removed
	e.tab.mu.Unlock()
	if removed || targetOrigin != e.parent.Origin() {
		return nil
	}
	e.parent.dispatch(Message{Origin: e.Origin(), Data: data})
	return nil
}

func (e *MemoryEnv) dispatch(msg Message) {
	e.mu.Lock()
	fns := make([]func(Message), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (e *MemoryEnv) OnMessage(fn func(Message)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

type memoryFrame struct {
	env *MemoryEnv
}

func (f *memoryFrame) Remove() {
	f.env.tab.mu.Lock()
	defer f.env.tab.mu.Unlock()
	f.env.tab.removed = true
}

func (e *MemoryEnv) CreateHiddenFrame(src string) (Frame, error) {
	child := newMemoryEnv(e.origin, &tabState{
		session: NewMemoryStorage(),
		history: []string{src},
	}, e)
	f := &memoryFrame{env: child}

	e.mu.Lock()
	e.frames = append(e.frames, f)
	e.mu.Unlock()

	e.origin.mu.Lock()
	loader := e.origin.frameLoader
	e.origin.mu.Unlock()
	if loader != nil {
		go loader(child)
	}
	return f, nil
}

// Frames returns the documents of every hidden frame this page created.
func (e *MemoryEnv) Frames() []*MemoryEnv {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*MemoryEnv, len(e.frames))
	for i, f := range e.frames {
		out[i] = f.env
	}
	return out
}

// Removed reports whether the parent removed this frame.
func (e *MemoryEnv) Removed() bool {
	e.tab.mu.Lock()
	defer e.tab.mu.Unlock()
	return e.tab.removed
}

type memoryChannel struct {
	origin *MemoryOrigin
	name   string

	mu       sync.Mutex
	handlers []func(string)
	closed   bool
}

func (e *MemoryEnv) OpenChannel(name string) (Channel, error) {
	o := e.origin
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.noChannels {
		return nil, ErrUnsupported
	}
	ch := &memoryChannel{origin: o, name: name}
	o.channels[name] = append(o.channels[name], ch)
	return ch, nil
}

func (c *memoryChannel) Post(data string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("browser: channel is closed")
	}

	c.origin.mu.Lock()
	peers := append([]*memoryChannel(nil), c.origin.channels[c.name]...)
	c.origin.mu.Unlock()

	for _, p := range peers {
		if p == c {
			continue
		}
		p.deliver(data)
	}
	return nil
}

func (c *memoryChannel) deliver(data string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	fns := slices.Clone(c.handlers)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (c *memoryChannel) OnMessage(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

func (c *memoryChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.origin.mu.Lock()
	defer c.origin.mu.Unlock()
	peers := c.origin.channels[c.name]
	for i, p := range peers {
		if p == c {
			c.origin.channels[c.name] = append(peers[:i:i], peers[i+1:]...)
			break
		}
	}
}

func (e *MemoryEnv) OnVisible(fn func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.visible[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.visible, id)
	}
}

// BecomeVisible fires and clears every pending OnVisible callback.
func (e *MemoryEnv) BecomeVisible() {
	e.mu.Lock()
	fns := make([]func(), 0, len(e.visible))
	for _, fn := range e.visible {
		fns = append(fns, fn)
	}
	e.visible = make(map[int]func())
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// SetNetworkInfo makes NetworkInfo report info.
func (e *MemoryEnv) SetNetworkInfo(info NetworkInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.network = &info
}

func (e *MemoryEnv) NetworkInfo() (NetworkInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.network == nil {
		return NetworkInfo{}, false
	}
	return *e.network, true
}

func (e *MemoryEnv) OnActivity(fn func(ActivityKind)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.activity[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.activity, id)
	}
}

// SimulateActivity delivers a user activity event to every listener.
func (e *MemoryEnv) SimulateActivity(kind ActivityKind) {
	e.mu.Lock()
	fns := make([]func(ActivityKind), 0, len(e.activity))
	for _, fn := range e.activity {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(kind)
	}
}

func (e *MemoryEnv) Alert(message string) {
	e.tab.mu.Lock()
	defer e.tab.mu.Unlock()
	e.tab.alerts = append(e.tab.alerts, message)
}
