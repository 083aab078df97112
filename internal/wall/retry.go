package wall

import (
	"sort"
	"time"

	"github.com/g960059/wallmux/internal/model"
)

func (w *Wall) handleEvent(ev playbackEvent) {
	if ev.cell < 0 || ev.cell >= len(w.cells) {
		return
	}
	c := w.cells[ev.cell]
	if c.gen != ev.gen || c.binding.kind != model.BindingStream {
		return
	}
	switch ev.event {
	case model.EventPlaying:
		if c.health != model.HealthHealthy && c.attempts > 0 {
			w.logger.Info().Int("cell", c.index).Int("attempts", c.attempts).Msg("stream recovered")
		}
		c.health = model.HealthHealthy
		c.attempts = 0
		c.nextRetry = time.Time{}
		delete(w.retry, c.index)
	case model.EventStopped, model.EventEncounteredError:
		if c.health == model.HealthFailed {
			return
		}
		w.logger.Warn().Int("cell", c.index).Str("event", string(ev.event)).Msg("stream failed")
		c.player.Stop()
		w.markFailed(c)
	}
}

// markFailed flags the cell and queues it for the next sweep unless the
// attempt cap is reached.
func (w *Wall) markFailed(c *cell) {
	c.health = model.HealthFailed
	if limit := w.cfg.RetryMaxAttempts; limit > 0 && c.attempts >= limit {
		w.logger.Warn().Int("cell", c.index).Int("attempts", c.attempts).Msg("retry attempts exhausted")
		delete(w.retry, c.index)
		return
	}
	c.nextRetry = w.now().Add(w.retryDelay(c.attempts))
	w.retry[c.index] = struct{}{}
	w.ensureRetryTimer()
}

// retryDelay is the fixed interval unless RetryBackoffMax enables doubling.
func (w *Wall) retryDelay(attempts int) time.Duration {
	d := w.cfg.RetryInterval
	if w.cfg.RetryBackoffMax <= 0 {
		return d
	}
	for i := 0; i < attempts && d < w.cfg.RetryBackoffMax; i++ {
		d *= 2
	}
	return min(d, max(w.cfg.RetryBackoffMax, w.cfg.RetryInterval))
}

func (w *Wall) ensureRetryTimer() {
	if w.ticker != nil || len(w.retry) == 0 {
		return
	}
	w.ticker = w.newTicker(w.cfg.RetryInterval)
}

func (w *Wall) stopRetryTimer() {
	if w.ticker == nil {
		return
	}
	w.ticker.Stop()
	w.ticker = nil
}

func (w *Wall) clearRetry() {
	w.retry = map[int]struct{}{}
	w.stopRetryTimer()
}

// sweep rebinds every queued cell that still remembers a URL. The set is
// cleared first; failures re-enter it through markFailed.
func (w *Wall) sweep() {
	if len(w.retry) == 0 {
		w.stopRetryTimer()
		return
	}
	pending := w.retryIndices()
	w.retry = map[int]struct{}{}
	now := w.now()
	for _, i := range pending {
		c := w.cells[i]
		if c.lastURL == "" || c.binding.kind != model.BindingStream || c.health != model.HealthFailed {
			continue
		}
		if now.Before(c.nextRetry) && w.cfg.RetryBackoffMax > 0 {
			w.retry[i] = struct{}{}
			continue
		}
		w.logger.Debug().Int("cell", i).Int("attempt", c.attempts+1).Msg("retry stream")
		w.bindStream(c, c.lastURL, c.attempts+1)
	}
	if len(w.retry) == 0 {
		w.stopRetryTimer()
	}
}

func (w *Wall) retryIndices() []int {
	out := make([]int, 0, len(w.retry))
	for i := range w.retry {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
