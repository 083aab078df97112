package wall

import (
	"context"

	"github.com/g960059/wallmux/internal/model"
	"github.com/g960059/wallmux/internal/surface"
)

// Decoder creates one Player per cell when the cell is allocated.
type Decoder interface {
	NewPlayer(s *surface.Surface) Player
}

// Player is a decode session bound to one surface. notify may be called from
// any goroutine.
type Player interface {
	Open(ctx context.Context, url string, notify func(model.PlaybackEvent)) error
	Stop()
	Snapshot(path string) error
	Close() error
}

type DeviceSDK interface {
	Login(ctx context.Context, d model.Device) (DeviceSession, error)
}

type ChannelHandle int64

// DeviceSession is one authenticated connection to a recorder. Channel
// numbering is vendor specific.
type DeviceSession interface {
	ChannelCount() int
	BindChannel(ctx context.Context, channel int, s *surface.Surface, st model.StreamType) (ChannelHandle, error)
	StopChannel(h ChannelHandle) error
	Logout() error
}
