package model

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Health is the last-known state of a cell's status indicator.
type Health string

const (
	HealthUnknown Health = "unknown"
	HealthHealthy Health = "healthy"
	HealthFailed  Health = "failed"
)

// BindingKind tags the source a cell is bound to.
type BindingKind string

const (
	BindingNone    BindingKind = "unbound"
	BindingStream  BindingKind = "stream"
	BindingChannel BindingKind = "device_channel"
)

// PlaybackEvent is a lifecycle notification pushed by a decoder.
type PlaybackEvent string

const (
	EventPlaying          PlaybackEvent = "playing"
	EventStopped          PlaybackEvent = "stopped"
	EventEncounteredError PlaybackEvent = "encountered_error"
)

type StreamType int

const (
	StreamMain StreamType = 0
	StreamSub  StreamType = 1
)

func ParseStreamType(raw string) (StreamType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "main":
		return StreamMain, nil
	case "sub":
		return StreamSub, nil
	default:
		return StreamMain, fmt.Errorf("unknown stream type %q", raw)
	}
}

func (s StreamType) String() string {
	if s == StreamSub {
		return "sub"
	}
	return "main"
}

type DeviceHealth string

const (
	DeviceHealthOK       DeviceHealth = "ok"
	DeviceHealthDegraded DeviceHealth = "degraded"
	DeviceHealthDown     DeviceHealth = "down"
)

const (
	DriverRTSP = "rtsp"
	DriverSim  = "sim"
)

const (
	DefaultSDKPort      = 37777
	DefaultRTSPPort     = 554
	DefaultUsername     = "admin"
	DefaultChannelCount = 16
)

type Device struct {
	ID          string
	Name        string
	Address     string
	SDKPort     int
	RTSPPort    int
	Username    string
	Password    string
	Kind        string
	Model       string
	ChannelHint string
	Serial      string
	Driver      string
	Online      bool
	Health      DeviceHealth
	LastSeenAt  *time.Time
	UpdatedAt   time.Time
}

// RTSPURL builds the Dahua-style realmonitor URL for a 1-based channel.
// subtype 0 is the main stream, 1 the sub stream.
func (d Device) RTSPURL(channel, subtype int) string {
	user := d.Username
	if user == "" {
		user = DefaultUsername
	}
	if channel < 1 {
		channel = 1
	}
	if subtype < 0 {
		subtype = 0
	}
	if subtype > 1 {
		subtype = 1
	}
	port := d.RTSPPort
	if port <= 0 {
		port = DefaultRTSPPort
	}
	u := url.URL{
		Scheme:   "rtsp",
		User:     url.UserPassword(user, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Address, port),
		Path:     "/cam/realmonitor",
		RawQuery: fmt.Sprintf("channel=%d&subtype=%d", channel, subtype),
	}
	return u.String()
}

// ChannelCount parses the channel hint ("16", "16/32") and falls back to 16.
func (d Device) ChannelCount() int {
	return ParseChannelCount(d.ChannelHint, DefaultChannelCount)
}

func ParseChannelCount(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	first := strings.TrimSpace(strings.Split(raw, "/")[0])
	n, err := strconv.Atoi(first)
	if err != nil {
		return fallback
	}
	if n < 1 {
		return 1
	}
	return n
}

func (d Device) Label() string {
	if d.Address == "" {
		return d.Name
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Address)
}

// Error codes used by the control API.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefInvalidEncoding = "E_REF_INVALID_ENCODING"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrIndexOutOfRange    = "E_INDEX_OUT_OF_RANGE"
	ErrLoginFailed        = "E_LOGIN_FAILED"
	ErrBindFailed         = "E_BIND_FAILED"
	ErrNoURL              = "E_NO_URL"
	ErrDeviceUnreachable  = "E_DEVICE_UNREACHABLE"
)
