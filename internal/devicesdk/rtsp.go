package devicesdk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/g960059/wallmux/internal/config"
	"github.com/g960059/wallmux/internal/decoder"
	"github.com/g960059/wallmux/internal/model"
	"github.com/g960059/wallmux/internal/surface"
	"github.com/g960059/wallmux/internal/wall"
)

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// RTSPDriver treats a reachable SDK port as a successful login and pulls
// each channel over the recorder's realmonitor RTSP endpoint. Channels are
// 0-based; channel n maps to RTSP channel n+1.
type RTSPDriver struct {
	ff           *decoder.FFmpeg
	dialer       Dialer
	loginTimeout time.Duration
	bindTimeout  time.Duration
}

func NewRTSPDriver(cfg config.Config, ff *decoder.FFmpeg) *RTSPDriver {
	return NewRTSPDriverWithDialer(cfg, ff, &net.Dialer{})
}

func NewRTSPDriverWithDialer(cfg config.Config, ff *decoder.FFmpeg, dialer Dialer) *RTSPDriver {
	return &RTSPDriver{
		ff:           ff,
		dialer:       dialer,
		loginTimeout: cfg.LoginTimeout,
		bindTimeout:  cfg.ChannelBindTimeout,
	}
}

func (r *RTSPDriver) Login(ctx context.Context, d model.Device) (wall.DeviceSession, error) {
	if d.Address == "" {
		return nil, &LoginError{Code: codeUnknownFailed, Err: errors.New("device address is empty")}
	}
	port := d.SDKPort
	if port <= 0 {
		port = model.DefaultSDKPort
	}
	lctx, cancel := context.WithTimeout(ctx, r.loginTimeout)
	defer cancel()
	conn, err := r.dialer.DialContext(lctx, "tcp", net.JoinHostPort(d.Address, strconv.Itoa(port)))
	if err != nil {
		return nil, &LoginError{Code: errnoCode(err), Err: err}
	}
	_ = conn.Close()
	return &rtspSession{
		driver:  r,
		device:  d,
		streams: map[wall.ChannelHandle]*decoder.Stream{},
	}, nil
}

type rtspSession struct {
	driver *RTSPDriver
	device model.Device

	mu      sync.Mutex
	next    wall.ChannelHandle
	streams map[wall.ChannelHandle]*decoder.Stream
	closed  bool
}

func (s *rtspSession) ChannelCount() int {
	return s.device.ChannelCount()
}

func (s *rtspSession) BindChannel(ctx context.Context, channel int, surf *surface.Surface, st model.StreamType) (wall.ChannelHandle, error) {
	if channel < 0 || channel >= s.ChannelCount() {
		return 0, fmt.Errorf("%w: %d", ErrNoSuchChannel, channel)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrSessionClosed
	}

	stream, err := s.driver.ff.Start(ctx, s.device.RTSPURL(channel+1, int(st)), surf)
	if err != nil {
		return 0, err
	}
	timer := time.NewTimer(s.driver.bindTimeout)
	defer timer.Stop()
	select {
	case <-stream.FirstFrame():
	case <-stream.Done():
		if err := stream.Err(); err != nil {
			return 0, fmt.Errorf("bind channel %d: %w", channel, err)
		}
		return 0, fmt.Errorf("bind channel %d: %w", channel, decoder.ErrNoFrames)
	case <-timer.C:
		stream.Stop()
		return 0, fmt.Errorf("bind channel %d: %w", channel, ErrBindTimeout)
	case <-ctx.Done():
		stream.Stop()
		return 0, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		stream.Stop()
		return 0, ErrSessionClosed
	}
	s.next++
	h := s.next
	s.streams[h] = stream
	return h, nil
}

func (s *rtspSession) StopChannel(h wall.ChannelHandle) error {
	s.mu.Lock()
	stream, ok := s.streams[h]
	delete(s.streams, h)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	stream.Stop()
	return nil
}

func (s *rtspSession) Logout() error {
	s.mu.Lock()
	s.closed = true
	streams := s.streams
	s.streams = map[wall.ChannelHandle]*decoder.Stream{}
	s.mu.Unlock()
	for _, stream := range streams {
		stream.Stop()
	}
	return nil
}
