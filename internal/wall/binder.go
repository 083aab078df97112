package wall

import (
	"strings"

	"github.com/g960059/wallmux/internal/model"
)

type deviceSession struct {
	device   model.Device
	sess     DeviceSession
	channels int
	bound    int
}

// DevicePlayback summarises a playDeviceAllChannels call.
type DevicePlayback struct {
	Device   string
	Channels int
	Capacity int
	Bound    int
	Failed   []int
}

func (w *Wall) playStreams(urls []string) {
	w.teardownDevice()
	w.mode = modeStreams
	n := min(len(urls), w.capacity())
	for i := 0; i < n; i++ {
		url := strings.TrimSpace(urls[i])
		if url == "" {
			continue
		}
		w.bindStream(w.cells[i], url, 0)
	}
	w.logger.Info().Int("requested", len(urls)).Int("bound", n).Msg("play streams")
}

// bindStream points the cell's player at url. attempts counts the retries
// that led here. An open failure marks the cell failed and queues it for
// retry.
func (w *Wall) bindStream(c *cell, url string, attempts int) {
	if c.binding.kind != model.BindingNone {
		w.unbind(c)
	}
	c.attempts = attempts
	c.gen++
	c.binding = binding{kind: model.BindingStream, url: url}
	c.lastURL = url
	c.health = model.HealthUnknown
	delete(w.retry, c.index)
	if err := c.player.Open(w.ctx, url, w.notifier(c.index, c.gen)); err != nil {
		w.logger.Warn().Err(err).Int("cell", c.index).Msg("open stream")
		w.markFailed(c)
	}
}

// playDeviceAllChannels releases every binding before logging in. A failed
// login leaves the layout as it was and the grid empty.
func (w *Wall) playDeviceAllChannels(d model.Device) (DevicePlayback, error) {
	w.teardownDevice()
	w.stopStreams()

	sess, err := w.sdk.Login(w.ctx, d)
	if err != nil {
		return DevicePlayback{}, &LoginFailure{Device: d.Name, Code: vendorCode(err), Err: err}
	}

	channels := sess.ChannelCount()
	if channels <= 0 {
		channels = model.DefaultChannelCount
	}
	capacity := deviceCapacity(channels)
	w.setSplit(capacity)
	w.mode = modeDevice
	w.session = &deviceSession{device: d, sess: sess, channels: channels}

	res := DevicePlayback{Device: d.Name, Channels: channels, Capacity: capacity}
	for i := 0; i < min(channels, capacity); i++ {
		c := w.cells[i]
		if !w.bindChannel(c, i) {
			res.Failed = append(res.Failed, i)
			continue
		}
		res.Bound++
	}
	w.logger.Info().
		Str("device", d.Name).
		Int("channels", channels).
		Int("bound", res.Bound).
		Ints("failed", res.Failed).
		Msg("play device")
	if len(res.Failed) > 0 {
		return res, &BindError{Cells: res.Failed}
	}
	return res, nil
}

// bindChannel tries channel i, then i+1 for recorders that number from 1.
func (w *Wall) bindChannel(c *cell, i int) bool {
	if c.binding.kind != model.BindingNone {
		w.unbind(c)
	}
	c.gen++
	for _, ch := range []int{i, i + 1} {
		h, err := w.session.sess.BindChannel(w.ctx, ch, c.surface, w.streamType)
		if err != nil {
			w.logger.Debug().Err(err).Int("cell", c.index).Int("channel", ch).Msg("bind device channel")
			continue
		}
		c.binding = binding{kind: model.BindingChannel, channel: ch, handle: h}
		c.lastURL = ""
		c.health = model.HealthHealthy
		w.session.bound++
		return true
	}
	c.health = model.HealthFailed
	return false
}

// stopStreams releases every stream binding and forgets its URL.
func (w *Wall) stopStreams() {
	for _, c := range w.cells {
		if c.binding.kind == model.BindingStream || c.lastURL != "" {
			w.unbind(c)
			c.lastURL = ""
		}
	}
	w.clearRetry()
	if w.mode == modeStreams {
		w.mode = modeIdle
	}
}

// teardownDevice releases every channel of the current session and logs out.
func (w *Wall) teardownDevice() {
	if w.session == nil {
		return
	}
	for _, c := range w.cells {
		switch {
		case c.binding.kind == model.BindingChannel:
			w.unbind(c)
		case c.binding.kind == model.BindingNone && c.health == model.HealthFailed:
			// channel that never bound
			c.health = model.HealthUnknown
		}
	}
	if err := w.session.sess.Logout(); err != nil {
		w.logger.Warn().Err(err).Str("device", w.session.device.Name).Msg("logout")
	}
	w.session = nil
	if w.mode == modeDevice {
		w.mode = modeIdle
	}
}

func (w *Wall) stopAll() {
	w.teardownDevice()
	for _, c := range w.cells {
		w.unbind(c)
		c.lastURL = ""
	}
	w.clearRetry()
	w.mode = modeIdle
}

func (w *Wall) stopOne(i int) error {
	c, err := w.cell(i)
	if err != nil {
		return err
	}
	w.unbind(c)
	c.lastURL = ""
	return nil
}

func (w *Wall) restartOne(i int) error {
	c, err := w.cell(i)
	if err != nil {
		return err
	}
	if c.lastURL == "" || c.binding.kind == model.BindingChannel {
		return nil
	}
	w.mode = modeStreams
	w.bindStream(c, c.lastURL, 0)
	return nil
}
