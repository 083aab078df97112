package devicesdk

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/g960059/wallmux/internal/config"
	"github.com/g960059/wallmux/internal/decoder"
	"github.com/g960059/wallmux/internal/model"
	"github.com/g960059/wallmux/internal/wall"
)

var (
	ErrUnknownDriver = errors.New("unknown device driver")
	ErrNoSuchChannel = errors.New("no such channel")
	ErrUnknownHandle = errors.New("unknown channel handle")
	ErrBindTimeout   = errors.New("channel produced no frame in time")
	ErrSessionClosed = errors.New("device session closed")
)

// codeUnknownFailed is reported when no vendor or OS code is available.
const codeUnknownFailed = -1

// LoginError is returned when a recorder refuses or cannot be reached.
type LoginError struct {
	Code int
	Err  error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed (code %d): %v", e.Code, e.Err)
}

func (e *LoginError) Unwrap() error { return e.Err }

func (e *LoginError) VendorCode() int { return e.Code }

type Driver interface {
	Login(ctx context.Context, d model.Device) (wall.DeviceSession, error)
}

// Registry dispatches logins on Device.Driver.
type Registry struct {
	drivers map[string]Driver
	logger  zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		drivers: map[string]Driver{},
		logger:  logger.With().Str("component", "devicesdk").Logger(),
	}
}

// NewDefaultRegistry wires the rtsp and sim drivers.
func NewDefaultRegistry(cfg config.Config, ff *decoder.FFmpeg, logger zerolog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(model.DriverRTSP, NewRTSPDriver(cfg, ff))
	r.Register(model.DriverSim, NewSimDriver(cfg))
	return r
}

func (r *Registry) Register(name string, d Driver) {
	r.drivers[name] = d
}

func (r *Registry) Login(ctx context.Context, d model.Device) (wall.DeviceSession, error) {
	name := d.Driver
	if name == "" {
		name = model.DriverRTSP
	}
	drv, ok := r.drivers[name]
	if !ok {
		return nil, &LoginError{Code: codeUnknownFailed, Err: fmt.Errorf("%w: %q", ErrUnknownDriver, name)}
	}
	sess, err := drv.Login(ctx, d)
	if err != nil {
		r.logger.Warn().Err(err).Str("device", d.Name).Str("driver", name).Msg("login failed")
		return nil, err
	}
	r.logger.Info().Str("device", d.Name).Str("driver", name).Int("channels", sess.ChannelCount()).Msg("logged in")
	return sess, nil
}

func errnoCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return codeUnknownFailed
}
