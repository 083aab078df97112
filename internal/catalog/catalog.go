package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/wallmux/internal/db"
	"github.com/g960059/wallmux/internal/model"
)

// SampleDeviceID identifies the placeholder shown while the catalog is empty.
const SampleDeviceID = "sample"

var ErrNotFound = errors.New("device not found")

func SampleDevice() model.Device {
	return model.Device{
		ID:          SampleDeviceID,
		Name:        "Sample NVR",
		Address:     "10.0.0.10",
		SDKPort:     model.DefaultSDKPort,
		RTSPPort:    model.DefaultRTSPPort,
		Username:    model.DefaultUsername,
		ChannelHint: "16",
		Driver:      model.DriverRTSP,
		Health:      model.DeviceHealthOK,
	}
}

// Channel is one lazily expanded node under a device.
type Channel struct {
	DeviceID string
	Number   int
	Label    string
	URL      string
}

// ProbeUpdate carries a probe outcome and the values estimated from it.
type ProbeUpdate struct {
	Online      bool
	Health      model.DeviceHealth
	Kind        string
	Model       string
	ChannelHint string
	At          time.Time
}

type Catalog struct {
	store *db.Store

	mu        sync.Mutex
	nextID    int
	listeners map[int]func()
}

func New(store *db.Store) *Catalog {
	return &Catalog{store: store, listeners: map[int]func(){}}
}

// Subscribe registers fn to run after every catalog mutation. The returned
// func removes it.
func (c *Catalog) Subscribe(fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Catalog) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// List returns the stored devices ordered by name, or the sample device when
// nothing is stored yet.
func (c *Catalog) List(ctx context.Context) ([]model.Device, error) {
	devices, err := c.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return []model.Device{SampleDevice()}, nil
	}
	return devices, nil
}

// Stored returns only persisted devices.
func (c *Catalog) Stored(ctx context.Context) ([]model.Device, error) {
	return c.store.ListDevices(ctx)
}

// Resolve looks a device up by id, then by name.
func (c *Catalog) Resolve(ctx context.Context, ref string) (model.Device, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.Device{}, fmt.Errorf("device reference is required")
	}
	d, err := c.store.GetDevice(ctx, ref)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return model.Device{}, err
	}
	d, err = c.store.GetDeviceByName(ctx, ref)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return model.Device{}, err
	}
	sample := SampleDevice()
	if ref == sample.ID || ref == sample.Name {
		devices, err := c.store.ListDevices(ctx)
		if err != nil {
			return model.Device{}, err
		}
		if len(devices) == 0 {
			return sample, nil
		}
	}
	return model.Device{}, fmt.Errorf("%q: %w", ref, ErrNotFound)
}

// Add stores a new device, filling defaults for unset fields.
func (c *Catalog) Add(ctx context.Context, d model.Device) (model.Device, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.SDKPort == 0 {
		d.SDKPort = model.DefaultSDKPort
	}
	if d.RTSPPort == 0 {
		d.RTSPPort = model.DefaultRTSPPort
	}
	if d.Username == "" {
		d.Username = model.DefaultUsername
	}
	if d.Driver == "" {
		d.Driver = model.DriverRTSP
	}
	d.UpdatedAt = time.Now().UTC()
	if err := c.store.UpsertDevice(ctx, d); err != nil {
		return model.Device{}, err
	}
	c.notify()
	return d, nil
}

func (c *Catalog) Update(ctx context.Context, d model.Device) error {
	if _, err := c.store.GetDevice(ctx, d.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%q: %w", d.ID, ErrNotFound)
		}
		return err
	}
	d.UpdatedAt = time.Now().UTC()
	if err := c.store.UpsertDevice(ctx, d); err != nil {
		return err
	}
	c.notify()
	return nil
}

func (c *Catalog) Remove(ctx context.Context, id string) error {
	if err := c.store.DeleteDevice(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%q: %w", id, ErrNotFound)
		}
		return err
	}
	c.notify()
	return nil
}

// Channels expands a device into 1-based channel nodes.
func (c *Catalog) Channels(ctx context.Context, id string) ([]Channel, error) {
	d, err := c.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return ChannelsOf(d), nil
}

func ChannelsOf(d model.Device) []Channel {
	n := d.ChannelCount()
	out := make([]Channel, 0, n)
	for ch := 1; ch <= n; ch++ {
		out = append(out, Channel{
			DeviceID: d.ID,
			Number:   ch,
			Label:    fmt.Sprintf("Channel %d", ch),
			URL:      d.RTSPURL(ch, 0),
		})
	}
	return out
}

// ApplyProbe records a probe outcome. Estimated kind, model and channel hint
// only fill fields the user left empty.
func (c *Catalog) ApplyProbe(ctx context.Context, id string, u ProbeUpdate) error {
	d, err := c.store.GetDevice(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%q: %w", id, ErrNotFound)
		}
		return err
	}
	changed := d.Online != u.Online || d.Health != u.Health
	estimated := false
	if d.Kind == "" && u.Kind != "" {
		d.Kind = u.Kind
		estimated = true
	}
	if d.Model == "" && u.Model != "" {
		d.Model = u.Model
		estimated = true
	}
	if d.ChannelHint == "" && u.ChannelHint != "" {
		d.ChannelHint = u.ChannelHint
		estimated = true
	}
	at := u.At.UTC()
	var lastSeen *time.Time
	if u.Online {
		lastSeen = &at
	}
	if estimated {
		d.Online = u.Online
		d.Health = u.Health
		if lastSeen != nil {
			d.LastSeenAt = lastSeen
		}
		d.UpdatedAt = at
		err = c.store.UpsertDevice(ctx, d)
	} else {
		err = c.store.UpdateDeviceHealth(ctx, id, u.Online, u.Health, lastSeen, at)
	}
	if err != nil {
		return err
	}
	if changed || estimated {
		c.notify()
	}
	return nil
}

func (c *Catalog) Export(ctx context.Context, w io.Writer) error {
	return c.store.ExportDevices(ctx, w)
}

func (c *Catalog) Import(ctx context.Context, r io.Reader) (int, error) {
	n, err := c.store.ImportDevices(ctx, r)
	if err != nil {
		return 0, err
	}
	c.notify()
	return n, nil
}
