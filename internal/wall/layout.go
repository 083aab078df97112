package wall

import "math"

// gridSide is the side of the smallest square grid holding n cells.
func gridSide(n int) int {
	if n < 1 {
		n = 1
	}
	s := int(math.Sqrt(float64(n)))
	for s*s < n {
		s++
	}
	return s
}

func gridCapacity(n int) int {
	s := gridSide(n)
	return s * s
}

var standardSplits = []int{1, 4, 9, 16, 25, 36, 64}

// deviceCapacity picks the smallest offered split covering channels.
func deviceCapacity(channels int) int {
	for _, s := range standardSplits {
		if channels <= s {
			return s
		}
	}
	return standardSplits[len(standardSplits)-1]
}

type zoomState struct {
	active bool
	index  int
	saved  int
}

// setSplit re-tiles the pool for n requested cells. Bindings are untouched.
func (w *Wall) setSplit(n int) {
	if n < 1 {
		n = 1
	}
	if w.zoom.active {
		w.zoom = zoomState{}
	}
	changed := n != w.requested
	w.requested = n
	side := gridSide(n)
	capacity := side * side
	w.ensureCapacity(capacity)
	for i, c := range w.cells {
		if i < capacity {
			c.visible = true
			c.row, c.col = i/side, i%side
			continue
		}
		c.visible = false
		c.row, c.col = 0, 0
	}
	if changed {
		w.logger.Debug().Int("requested", n).Int("capacity", capacity).Msg("split changed")
		if w.onLayout != nil {
			w.onLayout(n)
		}
	}
}

func (w *Wall) toggleZoom(i int) error {
	if _, err := w.cell(i); err != nil {
		return err
	}
	if w.zoom.active {
		same := w.zoom.index == i
		w.setSplit(w.zoom.saved)
		if same {
			return nil
		}
	}
	w.zoom = zoomState{active: true, index: i, saved: w.requested}
	for _, c := range w.cells {
		c.visible = c.index == i
		c.row, c.col = 0, 0
	}
	return nil
}

func (w *Wall) capacity() int {
	return gridCapacity(w.requested)
}
