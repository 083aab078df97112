package wall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/wallmux/internal/model"
)

func TestErrorEventSchedulesRetry(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	h.mustSplit(t, 4)
	h.mustPlay(t, "rtsp://cam/0")

	h.dec.player(0).emit(model.EventEncounteredError)
	st := h.state(t)
	if st.Cells[0].Health != model.HealthFailed || !st.Cells[0].Retrying {
		t.Fatalf("cell 0 should be failed and queued: %+v", st.Cells[0])
	}
	if len(st.RetryPending) != 1 || st.RetryPending[0] != 0 {
		t.Fatalf("unexpected retry set %v", st.RetryPending)
	}
	if h.tickers.active() == nil || h.tickers.interval != cfg.RetryInterval {
		t.Fatalf("retry timer not started at %s", cfg.RetryInterval)
	}

	h.tick(t)
	st = h.state(t)
	if st.Cells[0].Health != model.HealthHealthy || st.Cells[0].Attempts != 0 {
		t.Fatalf("cell 0 not recovered: %+v", st.Cells[0])
	}
	if len(st.RetryPending) != 0 {
		t.Fatalf("retry set not drained: %v", st.RetryPending)
	}
	if h.tickers.active() != nil {
		t.Fatalf("retry timer must stop once the set is empty")
	}
	if got := h.dec.openCount(); got != 2 {
		t.Fatalf("expected one reopen, got %d opens", got)
	}
}

func TestDuplicateFailureIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.mustPlay(t, "rtsp://cam/0")
	p := h.dec.player(0)
	p.emit(model.EventEncounteredError)
	p.emit(model.EventStopped)
	h.state(t)
	if p.stops != 1 {
		t.Fatalf("expected a single stop, got %d", p.stops)
	}
	if len(h.tickers.created) != 1 {
		t.Fatalf("expected one retry timer, got %d", len(h.tickers.created))
	}
}

func TestOpenFailureRetriedUntilSuccess(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.dec.failURL("rtsp://flaky", 2)
	h.mustPlay(t, "rtsp://flaky")

	st := h.state(t)
	if st.Cells[0].Health != model.HealthFailed || st.Cells[0].Binding != model.BindingStream {
		t.Fatalf("open failure should leave a failed stream binding: %+v", st.Cells[0])
	}

	h.tick(t)
	st = h.state(t)
	if st.Cells[0].Health != model.HealthFailed || st.Cells[0].Attempts != 1 {
		t.Fatalf("first retry should fail: %+v", st.Cells[0])
	}

	h.tick(t)
	st = h.state(t)
	if st.Cells[0].Health != model.HealthHealthy {
		t.Fatalf("second retry should recover: %+v", st.Cells[0])
	}
	if got := h.dec.openCount(); got != 3 {
		t.Fatalf("expected 3 opens, got %d", got)
	}
	if h.tickers.active() != nil {
		t.Fatalf("retry timer still running")
	}
}

func TestRetryMaxAttempts(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetryMaxAttempts = 2
	h := newHarness(t, cfg)
	h.dec.failURL("rtsp://dead", -1)
	h.mustPlay(t, "rtsp://dead")

	h.tick(t)
	h.tick(t)
	st := h.state(t)
	if st.Cells[0].Health != model.HealthFailed || st.Cells[0].Attempts != 2 {
		t.Fatalf("unexpected cell after exhausting retries: %+v", st.Cells[0])
	}
	if len(st.RetryPending) != 0 || h.tickers.active() != nil {
		t.Fatalf("exhausted cell must leave the retry set")
	}
	if got := h.dec.openCount(); got != 3 {
		t.Fatalf("expected 3 opens, got %d", got)
	}

	// a manual restart starts a fresh budget
	if err := h.w.RestartOne(h.ctx, 0); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if st := h.state(t); len(st.RetryPending) != 1 {
		t.Fatalf("restart should re-queue the cell, got %v", st.RetryPending)
	}
}

func TestBackoffHonorsNextRetry(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetryBackoffMax = 10 * time.Second
	h := newHarness(t, cfg)
	h.dec.failURL("rtsp://dead", -1)
	h.mustPlay(t, "rtsp://dead")

	h.tick(t)
	if got := h.dec.openCount(); got != 1 {
		t.Fatalf("retry ran before its delay: %d opens", got)
	}
	if st := h.state(t); len(st.RetryPending) != 1 {
		t.Fatalf("cell must stay queued, got %v", st.RetryPending)
	}

	h.clock.Advance(cfg.RetryInterval)
	h.tick(t)
	if got := h.dec.openCount(); got != 2 {
		t.Fatalf("expected retry after the interval, got %d opens", got)
	}

	h.clock.Advance(cfg.RetryInterval)
	h.tick(t)
	if got := h.dec.openCount(); got != 2 {
		t.Fatalf("second retry should wait for the doubled delay, got %d opens", got)
	}
	h.clock.Advance(cfg.RetryInterval)
	h.tick(t)
	if got := h.dec.openCount(); got != 3 {
		t.Fatalf("expected second retry, got %d opens", got)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name     string
		backoff  time.Duration
		attempts int
		want     time.Duration
	}{
		{"fixed", 0, 0, 3 * time.Second},
		{"fixed ignores attempts", 0, 7, 3 * time.Second},
		{"first attempt", 10 * time.Second, 0, 3 * time.Second},
		{"doubled", 10 * time.Second, 1, 6 * time.Second},
		{"capped", 10 * time.Second, 2, 10 * time.Second},
		{"stays capped", 10 * time.Second, 20, 10 * time.Second},
		{"cap below interval", time.Second, 3, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.RetryInterval = 3 * time.Second
			cfg.RetryBackoffMax = tt.backoff
			w := &Wall{cfg: cfg}
			if got := w.retryDelay(tt.attempts); got != tt.want {
				t.Fatalf("retryDelay(%d) = %s, want %s", tt.attempts, got, tt.want)
			}
		})
	}
}

func TestStaleEventsAreIgnored(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.mustPlay(t, "rtsp://cam/0")
	p := h.dec.player(0)
	stale := p.currentNotify()

	if err := h.w.RestartOne(h.ctx, 0); err != nil {
		t.Fatalf("restart: %v", err)
	}
	stale(model.EventEncounteredError)
	st := h.state(t)
	if st.Cells[0].Health != model.HealthHealthy || len(st.RetryPending) != 0 {
		t.Fatalf("event from a previous session changed the cell: %+v", st.Cells[0])
	}

	current := p.currentNotify()
	if err := h.w.StopOne(h.ctx, 0); err != nil {
		t.Fatalf("stop one: %v", err)
	}
	current(model.EventStopped)
	st = h.state(t)
	if st.Cells[0].Health != model.HealthUnknown || len(st.RetryPending) != 0 {
		t.Fatalf("event after stop changed the cell: %+v", st.Cells[0])
	}
}

func TestPendingCellStaysUnknownUntilPlaying(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.dec.manual = true
	h.mustPlay(t, "rtsp://cam/0")
	if st := h.state(t); st.Cells[0].Health != model.HealthUnknown {
		t.Fatalf("opened cell must stay pending: %+v", st.Cells[0])
	}
	h.dec.player(0).emit(model.EventPlaying)
	if st := h.state(t); st.Cells[0].Health != model.HealthHealthy {
		t.Fatalf("playing event not applied: %+v", st.Cells[0])
	}
}

func TestRunShutdownReleasesPlayers(t *testing.T) {
	dec := newFakeDecoder()
	sdk := &fakeSDK{channels: 4, failChans: map[int]bool{}}
	tickers := &fakeTickers{}
	w, err := New(testConfig(t), Deps{Decoder: dec, SDK: sdk, Logger: zerolog.Nop()}, WithTicker(tickers.new))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	bg := context.Background()
	if err := w.SetSplit(bg, 4); err != nil {
		t.Fatalf("split: %v", err)
	}
	if err := w.PlayStreams(bg, []string{"rtsp://a", "rtsp://b"}); err != nil {
		t.Fatalf("play: %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return")
	}

	if dec.activePlayers() != 0 {
		t.Fatalf("players still active after shutdown")
	}
	for i := 0; i < 4; i++ {
		if !dec.player(i).closed {
			t.Fatalf("player %d not closed", i)
		}
	}
	if _, err := w.State(bg); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestEventsDoNotBlockCollaborators(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.dec.manual = true
	h.mustPlay(t, "rtsp://cam/0")
	notify := h.dec.player(0).currentNotify()
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			notify(model.EventPlaying)
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("notify blocked")
	}
	if st := h.state(t); st.Cells[0].Health != model.HealthHealthy {
		t.Fatalf("unexpected health %s", st.Cells[0].Health)
	}
}
