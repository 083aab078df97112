package wall

import (
	"fmt"
	"time"

	"github.com/g960059/wallmux/internal/model"
	"github.com/g960059/wallmux/internal/surface"
)

type binding struct {
	kind    model.BindingKind
	url     string
	channel int
	handle  ChannelHandle
}

// cell is one pool slot. Its surface and player are created once and live as
// long as the pool.
type cell struct {
	index   int
	surface *surface.Surface
	player  Player

	binding binding
	// lastURL survives retries and re-tiling so a sweep can rebind.
	lastURL string
	health  model.Health
	gen     uint64

	visible  bool
	row, col int

	attempts  int
	nextRetry time.Time
}

// ensureCapacity grows the pool to at least n cells. It never shrinks.
func (w *Wall) ensureCapacity(n int) {
	for i := len(w.cells); i < n; i++ {
		s := surface.New(i)
		w.cells = append(w.cells, &cell{
			index:   i,
			surface: s,
			player:  w.decoder.NewPlayer(s),
			binding: binding{kind: model.BindingNone},
			health:  model.HealthUnknown,
		})
	}
}

func (w *Wall) cell(i int) (*cell, error) {
	if i < 0 || i >= len(w.cells) {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, i, len(w.cells))
	}
	return w.cells[i], nil
}

// unbind releases whatever the cell is bound to. The remembered URL is kept.
func (w *Wall) unbind(c *cell) {
	switch c.binding.kind {
	case model.BindingStream:
		c.player.Stop()
	case model.BindingChannel:
		if w.session != nil {
			if err := w.session.sess.StopChannel(c.binding.handle); err != nil {
				w.logger.Debug().Err(err).Int("cell", c.index).Msg("stop device channel")
			}
			w.session.bound--
		}
	}
	c.gen++
	c.binding = binding{kind: model.BindingNone}
	c.health = model.HealthUnknown
	c.attempts = 0
	c.nextRetry = time.Time{}
	c.surface.Clear()
	delete(w.retry, c.index)
}
