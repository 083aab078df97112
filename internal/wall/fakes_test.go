package wall

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/wallmux/internal/config"
	"github.com/g960059/wallmux/internal/model"
	"github.com/g960059/wallmux/internal/surface"
)

type fakeDecoder struct {
	mu       sync.Mutex
	players  []*fakePlayer
	failURLs map[string]int // remaining failures per url; -1 fails forever
	manual   bool           // when set, Open does not report Playing
	opens    []string
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{failURLs: map[string]int{}}
}

func (d *fakeDecoder) NewPlayer(s *surface.Surface) Player {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &fakePlayer{dec: d, surface: s}
	d.players = append(d.players, p)
	return p
}

func (d *fakeDecoder) failURL(url string, times int) {
	d.mu.Lock()
	d.failURLs[url] = times
	d.mu.Unlock()
}

func (d *fakeDecoder) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.opens)
}

func (d *fakeDecoder) player(i int) *fakePlayer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.players[i]
}

func (d *fakeDecoder) activePlayers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.players {
		if p.active {
			n++
		}
	}
	return n
}

type fakePlayer struct {
	dec     *fakeDecoder
	surface *surface.Surface

	// guarded by dec.mu
	active bool
	url    string
	notify func(model.PlaybackEvent)
	stops  int
	closed bool
}

func (p *fakePlayer) Open(ctx context.Context, url string, notify func(model.PlaybackEvent)) error {
	p.dec.mu.Lock()
	p.dec.opens = append(p.dec.opens, url)
	if n, ok := p.dec.failURLs[url]; ok && n != 0 {
		if n > 0 {
			p.dec.failURLs[url] = n - 1
		}
		p.dec.mu.Unlock()
		return errors.New("connection refused")
	}
	p.active = true
	p.url = url
	p.notify = notify
	manual := p.dec.manual
	p.dec.mu.Unlock()
	if !manual {
		notify(model.EventPlaying)
	}
	return nil
}

func (p *fakePlayer) Stop() {
	p.dec.mu.Lock()
	defer p.dec.mu.Unlock()
	p.active = false
	p.stops++
}

func (p *fakePlayer) Snapshot(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("png"), 0o600)
}

func (p *fakePlayer) Close() error {
	p.dec.mu.Lock()
	defer p.dec.mu.Unlock()
	p.closed = true
	return nil
}

// emit pushes an event through the notify func of the player's current
// session.
func (p *fakePlayer) emit(ev model.PlaybackEvent) {
	p.dec.mu.Lock()
	notify := p.notify
	p.dec.mu.Unlock()
	notify(ev)
}

func (p *fakePlayer) currentNotify() func(model.PlaybackEvent) {
	p.dec.mu.Lock()
	defer p.dec.mu.Unlock()
	return p.notify
}

type vendorErr struct{ code int }

func (e vendorErr) Error() string   { return "vendor refused" }
func (e vendorErr) VendorCode() int { return e.code }

type fakeSDK struct {
	mu        sync.Mutex
	loginCode int
	channels  int
	failChans map[int]bool
	onBind    func(channel int)
	onLogin   func()
	sessions  []*fakeSession
}

func (s *fakeSDK) Login(ctx context.Context, d model.Device) (DeviceSession, error) {
	s.mu.Lock()
	onLogin := s.onLogin
	s.mu.Unlock()
	if onLogin != nil {
		onLogin()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loginCode != 0 {
		return nil, vendorErr{code: s.loginCode}
	}
	sess := &fakeSession{sdk: s, channels: s.channels, bound: map[ChannelHandle]int{}}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

func (s *fakeSDK) last() *fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[len(s.sessions)-1]
}

type fakeSession struct {
	sdk      *fakeSDK
	channels int

	// guarded by sdk.mu
	next     ChannelHandle
	bound    map[ChannelHandle]int
	attempts []int
	stopped  int
	logouts  int
}

func (s *fakeSession) ChannelCount() int { return s.channels }

func (s *fakeSession) BindChannel(ctx context.Context, channel int, surf *surface.Surface, st model.StreamType) (ChannelHandle, error) {
	s.sdk.mu.Lock()
	onBind := s.sdk.onBind
	s.sdk.onBind = nil
	s.sdk.mu.Unlock()
	if onBind != nil {
		onBind(channel)
	}
	s.sdk.mu.Lock()
	defer s.sdk.mu.Unlock()
	s.attempts = append(s.attempts, channel)
	if s.sdk.failChans[channel] {
		return 0, errors.New("channel rejected")
	}
	s.next++
	s.bound[s.next] = channel
	return s.next, nil
}

func (s *fakeSession) StopChannel(h ChannelHandle) error {
	s.sdk.mu.Lock()
	defer s.sdk.mu.Unlock()
	if _, ok := s.bound[h]; !ok {
		return errors.New("unknown handle")
	}
	delete(s.bound, h)
	s.stopped++
	return nil
}

func (s *fakeSession) Logout() error {
	s.sdk.mu.Lock()
	defer s.sdk.mu.Unlock()
	s.logouts++
	return nil
}

func (s *fakeSession) boundCount() int {
	s.sdk.mu.Lock()
	defer s.sdk.mu.Unlock()
	return len(s.bound)
}

type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

type fakeTickers struct {
	mu       sync.Mutex
	created  []*fakeTicker
	interval time.Duration
}

func (f *fakeTickers) new(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time)}
	f.created = append(f.created, t)
	f.interval = d
	return t
}

func (f *fakeTickers) active() *fakeTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	t := f.created[len(f.created)-1]
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	return t
}

type harness struct {
	w       *Wall
	dec     *fakeDecoder
	sdk     *fakeSDK
	tickers *fakeTickers
	clock   *fakeClock
	ctx     context.Context
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig(t *testing.T) config.Config {
	cfg := config.DefaultConfig()
	cfg.SnapshotDir = t.TempDir()
	return cfg
}

func newHarness(t *testing.T, cfg config.Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		dec:     newFakeDecoder(),
		sdk:     &fakeSDK{channels: 16, failChans: map[int]bool{}},
		tickers: &fakeTickers{},
		clock:   &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}
	opts = append([]Option{WithTicker(h.tickers.new), WithClock(h.clock.Now)}, opts...)
	w, err := New(cfg, Deps{Decoder: h.dec, SDK: h.sdk, Logger: zerolog.Nop()}, opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h.w = w

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("wall did not stop")
		}
	})
	h.ctx = context.Background()
	return h
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	st, err := h.w.State(h.ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return st
}

// tick fires the active retry ticker and waits until the sweep ran.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	tk := h.tickers.active()
	if tk == nil {
		t.Fatalf("no active retry ticker")
	}
	select {
	case tk.ch <- h.clock.Now():
	case <-time.After(2 * time.Second):
		t.Fatalf("retry tick not consumed")
	}
	h.state(t)
}

func (h *harness) mustSplit(t *testing.T, n int) {
	t.Helper()
	if err := h.w.SetSplit(h.ctx, n); err != nil {
		t.Fatalf("set split %d: %v", n, err)
	}
}

func (h *harness) mustPlay(t *testing.T, urls ...string) {
	t.Helper()
	if err := h.w.PlayStreams(h.ctx, urls); err != nil {
		t.Fatalf("play streams: %v", err)
	}
}
