package wall

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/g960059/wallmux/internal/model"
	"github.com/g960059/wallmux/internal/surface"
)

type CellView struct {
	Index    int
	Visible  bool
	Row      int
	Col      int
	Binding  model.BindingKind
	URL      string
	Channel  int
	Health   model.Health
	Attempts int
	Retrying bool
	Surface  *surface.Surface
}

type State struct {
	Requested      int
	Side           int
	Capacity       int
	PoolSize       int
	Zoomed         bool
	ZoomIndex      int
	Mode           string
	Device         string
	DeviceChannels int
	DeviceBound    int
	RetryPending   []int
	Caption        string
	Cells          []CellView
}

// Visible returns the visible cells in tiling order.
func (s State) Visible() []CellView {
	out := make([]CellView, 0, s.Capacity)
	for _, c := range s.Cells {
		if c.Visible {
			out = append(out, c)
		}
	}
	return out
}

type Actions struct {
	StopOne  bool
	StopAll  bool
	Restart  bool
	CopyURL  bool
	Snapshot bool
}

func (w *Wall) view(c *cell) CellView {
	_, retrying := w.retry[c.index]
	return CellView{
		Index:    c.index,
		Visible:  c.visible,
		Row:      c.row,
		Col:      c.col,
		Binding:  c.binding.kind,
		URL:      c.lastURL,
		Channel:  c.binding.channel,
		Health:   c.health,
		Attempts: c.attempts,
		Retrying: retrying,
		Surface:  c.surface,
	}
}

func (w *Wall) state() State {
	side := gridSide(w.requested)
	st := State{
		Requested:    w.requested,
		Side:         side,
		Capacity:     side * side,
		PoolSize:     len(w.cells),
		Zoomed:       w.zoom.active,
		ZoomIndex:    -1,
		Mode:         string(w.mode),
		RetryPending: w.retryIndices(),
		Cells:        make([]CellView, 0, len(w.cells)),
	}
	if w.zoom.active {
		st.ZoomIndex = w.zoom.index
	}
	if w.session != nil {
		st.Device = w.session.device.Name
		st.DeviceChannels = w.session.channels
		st.DeviceBound = w.session.bound
	}
	for _, c := range w.cells {
		st.Cells = append(st.Cells, w.view(c))
	}
	st.Caption = caption(st)
	return st
}

func caption(st State) string {
	switch {
	case st.Zoomed:
		return "Zoom (toggle again to return)"
	case st.Device != "":
		return fmt.Sprintf("SDK: %s (%d/%d)", st.Device, st.DeviceBound, st.DeviceChannels)
	default:
		return fmt.Sprintf("%d cells", st.Requested)
	}
}

func (w *Wall) actions(i int) (Actions, error) {
	c, err := w.cell(i)
	if err != nil {
		return Actions{}, err
	}
	hasURL := c.lastURL != ""
	return Actions{
		StopOne:  true,
		StopAll:  true,
		Restart:  hasURL,
		CopyURL:  hasURL,
		Snapshot: true,
	}, nil
}

func (w *Wall) snapshot(i int) (string, error) {
	c, err := w.cell(i)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("snapshot_%s_%d.png", w.now().Format("20060102_150405"), i+1)
	path := filepath.Join(w.cfg.SnapshotDir, name)
	if c.binding.kind == model.BindingStream {
		err = c.player.Snapshot(path)
	} else {
		err = c.surface.WritePNG(path)
	}
	if err != nil {
		return "", fmt.Errorf("snapshot cell %d: %w", i, err)
	}
	w.logger.Info().Int("cell", i).Str("path", path).Msg("snapshot saved")
	return path, nil
}

func (w *Wall) SetSplit(ctx context.Context, n int) error {
	return w.do(ctx, func() { w.setSplit(n) })
}

func (w *Wall) ToggleZoom(ctx context.Context, i int) error {
	var err error
	if derr := w.do(ctx, func() { err = w.toggleZoom(i) }); derr != nil {
		return derr
	}
	return err
}

func (w *Wall) PlayStreams(ctx context.Context, urls []string) error {
	return w.do(ctx, func() { w.playStreams(urls) })
}

// PlayDeviceAllChannels logs into d and binds its channels. A *LoginFailure
// leaves bindings and layout as they were; a *BindError comes with a valid
// DevicePlayback.
func (w *Wall) PlayDeviceAllChannels(ctx context.Context, d model.Device) (DevicePlayback, error) {
	var (
		res DevicePlayback
		err error
	)
	if derr := w.do(ctx, func() { res, err = w.playDeviceAllChannels(d) }); derr != nil {
		return DevicePlayback{}, derr
	}
	return res, err
}

func (w *Wall) StopAll(ctx context.Context) error {
	return w.do(ctx, func() { w.stopAll() })
}

func (w *Wall) StopOne(ctx context.Context, i int) error {
	var err error
	if derr := w.do(ctx, func() { err = w.stopOne(i) }); derr != nil {
		return derr
	}
	return err
}

func (w *Wall) RestartOne(ctx context.Context, i int) error {
	var err error
	if derr := w.do(ctx, func() { err = w.restartOne(i) }); derr != nil {
		return derr
	}
	return err
}

func (w *Wall) CellURL(ctx context.Context, i int) (string, error) {
	var (
		url string
		err error
	)
	derr := w.do(ctx, func() {
		var c *cell
		if c, err = w.cell(i); err == nil {
			url = c.lastURL
		}
	})
	if derr != nil {
		return "", derr
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(url) == "" {
		return "", fmt.Errorf("cell %d: %w", i, ErrNoURL)
	}
	return url, nil
}

func (w *Wall) Snapshot(ctx context.Context, i int) (string, error) {
	var (
		path string
		err  error
	)
	if derr := w.do(ctx, func() { path, err = w.snapshot(i) }); derr != nil {
		return "", derr
	}
	return path, err
}

func (w *Wall) Actions(ctx context.Context, i int) (Actions, error) {
	var (
		a   Actions
		err error
	)
	if derr := w.do(ctx, func() { a, err = w.actions(i) }); derr != nil {
		return Actions{}, derr
	}
	return a, err
}

func (w *Wall) State(ctx context.Context) (State, error) {
	var st State
	if err := w.do(ctx, func() { st = w.state() }); err != nil {
		return State{}, err
	}
	return st, nil
}

func (w *Wall) Cell(ctx context.Context, i int) (CellView, error) {
	var (
		v   CellView
		err error
	)
	derr := w.do(ctx, func() {
		var c *cell
		if c, err = w.cell(i); err == nil {
			v = w.view(c)
		}
	})
	if derr != nil {
		return CellView{}, derr
	}
	return v, err
}
