package wall

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/wallmux/internal/config"
	"github.com/g960059/wallmux/internal/model"
)

type Deps struct {
	Decoder Decoder
	SDK     DeviceSDK
	Logger  zerolog.Logger
}

// Ticker drives retry sweeps. C must stay constant for the ticker's life.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Option func(*Wall)

func WithTicker(newTicker func(time.Duration) Ticker) Option {
	return func(w *Wall) { w.newTicker = newTicker }
}

func WithClock(now func() time.Time) Option {
	return func(w *Wall) { w.now = now }
}

// OnLayoutChange is called from the owner loop whenever the requested cell
// count changes.
func OnLayoutChange(fn func(requested int)) Option {
	return func(w *Wall) { w.onLayout = fn }
}

type mode string

const (
	modeIdle    mode = "idle"
	modeStreams mode = "streams"
	modeDevice  mode = "device"
)

// Wall owns the cell pool, the grid layout and every source binding. All
// state is confined to the goroutine running Run; public methods marshal
// onto it.
type Wall struct {
	cfg        config.Config
	decoder    Decoder
	sdk        DeviceSDK
	logger     zerolog.Logger
	streamType model.StreamType
	newTicker  func(time.Duration) Ticker
	now        func() time.Time
	onLayout   func(int)

	cmds   chan command
	events *mailbox
	closed chan struct{}

	// owner-loop state
	ctx       context.Context
	cells     []*cell
	requested int
	zoom      zoomState
	mode      mode
	session   *deviceSession
	retry     map[int]struct{}
	ticker    Ticker
}

type command struct {
	fn   func()
	done chan struct{}
}

// New builds a wall with a single visible cell. Decoder and SDK are
// required.
func New(cfg config.Config, deps Deps, opts ...Option) (*Wall, error) {
	if deps.Decoder == nil {
		return nil, errors.New("wall: decoder is required")
	}
	if deps.SDK == nil {
		return nil, errors.New("wall: device sdk is required")
	}
	st, err := model.ParseStreamType(cfg.StreamType)
	if err != nil {
		st = model.StreamMain
	}
	w := &Wall{
		cfg:        cfg,
		decoder:    deps.Decoder,
		sdk:        deps.SDK,
		logger:     deps.Logger.With().Str("component", "wall").Logger(),
		streamType: st,
		newTicker:  newStdTicker,
		now:        time.Now,
		cmds:       make(chan command),
		events:     newMailbox(),
		closed:     make(chan struct{}),
		ctx:        context.Background(),
		mode:       modeIdle,
		retry:      map[int]struct{}{},
	}
	w.setSplit(1)
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run processes commands, playback events and retry ticks until ctx ends,
// then tears every binding down.
func (w *Wall) Run(ctx context.Context) error {
	w.ctx = ctx
	defer close(w.closed)
	defer w.shutdown()
	for {
		var tick <-chan time.Time
		if w.ticker != nil {
			tick = w.ticker.C()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.events.signal:
			w.drainEvents()
		case cmd := <-w.cmds:
			w.drainEvents()
			cmd.fn()
			close(cmd.done)
		case <-tick:
			w.drainEvents()
			w.sweep()
		}
	}
}

// do runs fn on the owner loop and waits for it to finish.
func (w *Wall) do(ctx context.Context, fn func()) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case w.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closed:
		return ErrClosed
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Wall) shutdown() {
	w.stopAll()
	for _, c := range w.cells {
		if err := c.player.Close(); err != nil {
			w.logger.Debug().Err(err).Int("cell", c.index).Msg("close player")
		}
	}
}

type playbackEvent struct {
	cell  int
	gen   uint64
	event model.PlaybackEvent
}

// mailbox is an unbounded queue so collaborator goroutines never block on
// the owner loop.
type mailbox struct {
	mu     sync.Mutex
	items  []playbackEvent
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) post(ev playbackEvent) {
	m.mu.Lock()
	m.items = append(m.items, ev)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []playbackEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (w *Wall) notifier(index int, gen uint64) func(model.PlaybackEvent) {
	return func(ev model.PlaybackEvent) {
		w.events.post(playbackEvent{cell: index, gen: gen, event: ev})
	}
}

func (w *Wall) drainEvents() {
	for _, ev := range w.events.take() {
		w.handleEvent(ev)
	}
}

type stdTicker struct {
	t *time.Ticker
}

func newStdTicker(d time.Duration) Ticker {
	return stdTicker{t: time.NewTicker(d)}
}

func (s stdTicker) C() <-chan time.Time { return s.t.C }

func (s stdTicker) Stop() { s.t.Stop() }
