package devicesdk

import (
	"context"
	"fmt"
	"image"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/g960059/wallmux/internal/config"
	"github.com/g960059/wallmux/internal/model"
	"github.com/g960059/wallmux/internal/surface"
	"github.com/g960059/wallmux/internal/wall"
)

// SimDriver is an in-process recorder for demos and tests. Its address is
// sim://name?channels=N&base=0|1&code=K: channels in [base, base+N) bind,
// and a non-zero code makes every login fail with that vendor code.
type SimDriver struct {
	width  int
	height int
	period time.Duration
}

func NewSimDriver(cfg config.Config) *SimDriver {
	fps := cfg.FrameRate
	if fps <= 0 {
		fps = 5
	}
	return &SimDriver{
		width:  cfg.FrameWidth,
		height: cfg.FrameHeight,
		period: time.Second / time.Duration(fps),
	}
}

type SimParams struct {
	Name     string
	Channels int
	Base     int
	Code     int
}

// ParseSimAddress reads simulator parameters. A plain address falls back to
// the device's channel hint, 0-based numbering and a successful login.
func ParseSimAddress(d model.Device) (SimParams, error) {
	p := SimParams{Name: d.Name, Channels: d.ChannelCount()}
	if !strings.HasPrefix(d.Address, "sim://") {
		return p, nil
	}
	u, err := url.Parse(d.Address)
	if err != nil {
		return p, fmt.Errorf("parse sim address: %w", err)
	}
	if u.Host != "" {
		p.Name = u.Host
	}
	q := u.Query()
	for _, field := range []struct {
		key string
		dst *int
	}{
		{"channels", &p.Channels},
		{"base", &p.Base},
		{"code", &p.Code},
	} {
		raw := q.Get(field.key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return p, fmt.Errorf("sim %s: %w", field.key, err)
		}
		*field.dst = v
	}
	if p.Channels < 1 {
		p.Channels = 1
	}
	if p.Base != 0 && p.Base != 1 {
		return p, fmt.Errorf("sim base must be 0 or 1, got %d", p.Base)
	}
	return p, nil
}

func (d *SimDriver) Login(ctx context.Context, dev model.Device) (wall.DeviceSession, error) {
	p, err := ParseSimAddress(dev)
	if err != nil {
		return nil, &LoginError{Code: codeUnknownFailed, Err: err}
	}
	if p.Code != 0 {
		return nil, &LoginError{Code: p.Code, Err: fmt.Errorf("simulated recorder %s refused login", p.Name)}
	}
	if err := ctx.Err(); err != nil {
		return nil, &LoginError{Code: codeUnknownFailed, Err: err}
	}
	return &simSession{
		driver:   d,
		params:   p,
		painters: map[wall.ChannelHandle]*painter{},
	}, nil
}

type simSession struct {
	driver *SimDriver
	params SimParams

	mu       sync.Mutex
	next     wall.ChannelHandle
	painters map[wall.ChannelHandle]*painter
	closed   bool
}

func (s *simSession) ChannelCount() int {
	return s.params.Channels
}

func (s *simSession) BindChannel(ctx context.Context, channel int, surf *surface.Surface, st model.StreamType) (wall.ChannelHandle, error) {
	if channel < s.params.Base || channel >= s.params.Base+s.params.Channels {
		return 0, fmt.Errorf("%w: %d", ErrNoSuchChannel, channel)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}
	w, h := s.driver.width, s.driver.height
	if st == model.StreamSub {
		w, h = max(w/2, 1), max(h/2, 1)
	}
	p := &painter{
		surface: surf,
		channel: channel - s.params.Base,
		width:   w,
		height:  h,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.paint(0)
	go p.run(s.driver.period)
	s.next++
	s.painters[s.next] = p
	return s.next, nil
}

func (s *simSession) StopChannel(h wall.ChannelHandle) error {
	s.mu.Lock()
	p, ok := s.painters[h]
	delete(s.painters, h)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	p.halt()
	return nil
}

func (s *simSession) Logout() error {
	s.mu.Lock()
	s.closed = true
	painters := s.painters
	s.painters = map[wall.ChannelHandle]*painter{}
	s.mu.Unlock()
	for _, p := range painters {
		p.halt()
	}
	return nil
}

type painter struct {
	surface *surface.Surface
	channel int
	width   int
	height  int
	once    sync.Once
	stop    chan struct{}
	done    chan struct{}
}

func (p *painter) run(period time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for tick := 1; ; tick++ {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.paint(tick)
		}
	}
}

func (p *painter) halt() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}

// paint draws a diagonal gradient that scrolls with tick, tinted per channel.
func (p *painter) paint(tick int) {
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	tint := uint8((p.channel * 47) % 256)
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i] = uint8((x*255/p.width + tick*6) % 256)
			img.Pix[i+1] = uint8(y * 255 / p.height)
			img.Pix[i+2] = tint
			img.Pix[i+3] = 0xff
		}
	}
	p.surface.Present(img)
}
