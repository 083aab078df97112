package probe

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/wallmux/internal/catalog"
	"github.com/g960059/wallmux/internal/config"
	"github.com/g960059/wallmux/internal/model"
	"github.com/g960059/wallmux/internal/testutil"
)

type fakeDialer struct {
	mu       sync.Mutex
	open     map[string]bool
	calls    []string
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, address)
	ok := f.open[address]
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("connection refused")
	}
	c1, c2 := net.Pipe()
	_ = c2.Close()
	return c1, nil
}

func (f *fakeDialer) setOpen(address string, open bool) {
	f.mu.Lock()
	f.open[address] = open
	f.mu.Unlock()
}

func TestProbeEstimates(t *testing.T) {
	tests := []struct {
		name     string
		open     []string
		hint     string
		online   bool
		kind     string
		model    string
		wantHint string
	}{
		{"sdk and rtsp", []string{"10.0.0.1:554", "10.0.0.1:37777"}, "", true, KindNVR, ModelDahua, "16"},
		{"sdk keeps hint", []string{"10.0.0.1:37777"}, "8", true, KindNVR, ModelDahua, ""},
		{"rtsp only", []string{"10.0.0.1:554"}, "", true, KindCamera, "", ""},
		{"nothing", nil, "", false, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := &fakeDialer{open: map[string]bool{}}
			for _, addr := range tt.open {
				dialer.open[addr] = true
			}
			p := NewProberWithDialer(dialer, time.Second, 2)
			res := p.Probe(context.Background(), model.Device{ID: "d", Address: "10.0.0.1", ChannelHint: tt.hint})
			if res.Online != tt.online || res.Kind != tt.kind || res.Model != tt.model || res.ChannelHint != tt.wantHint {
				t.Fatalf("unexpected result: %+v", res)
			}
		})
	}
}

func TestProbeSimDeviceSkipsNetwork(t *testing.T) {
	dialer := &fakeDialer{open: map[string]bool{}}
	p := NewProberWithDialer(dialer, time.Second, 1)
	res := p.Probe(context.Background(), model.Device{ID: "s", Driver: model.DriverSim})
	if !res.Online {
		t.Fatalf("sim device must be online")
	}
	if len(dialer.calls) != 0 {
		t.Fatalf("sim device must not dial, got %v", dialer.calls)
	}
}

func TestProbeAllBoundsConcurrencyAndKeepsOrder(t *testing.T) {
	dialer := &fakeDialer{open: map[string]bool{"10.0.0.3:554": true}, delay: 10 * time.Millisecond}
	p := NewProberWithDialer(dialer, time.Second, 2)
	devices := []model.Device{
		{ID: "a", Address: "10.0.0.1"},
		{ID: "b", Address: "10.0.0.2"},
		{ID: "c", Address: "10.0.0.3"},
		{ID: "d", Address: "10.0.0.4"},
	}
	results, err := p.ProbeAll(context.Background(), devices)
	if err != nil {
		t.Fatalf("probe all: %v", err)
	}
	for i, r := range results {
		if r.DeviceID != devices[i].ID {
			t.Fatalf("result %d out of order: %s", i, r.DeviceID)
		}
	}
	if !results[2].Online || results[0].Online {
		t.Fatalf("unexpected reachability: %+v", results)
	}
	// two devices at a time, two ports each
	if peak := dialer.peak.Load(); peak > 4 {
		t.Fatalf("expected at most 4 concurrent dials, got %d", peak)
	}
}

func TestLoopTickRecordsHealth(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	c := catalog.New(store)
	d, err := c.Add(ctx, model.Device{Name: "Gate", Address: "10.0.0.9"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	dialer := &fakeDialer{open: map[string]bool{"10.0.0.9:37777": true}}
	cfg := config.DefaultConfig()
	loop := NewLoop(c, NewProberWithDialer(dialer, time.Second, 2), cfg, zerolog.Nop())

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if _, err := loop.Tick(ctx, now); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, err := store.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Online || got.Health != model.DeviceHealthOK || got.Kind != KindNVR || got.ChannelHint != "16" {
		t.Fatalf("unexpected device after reachable probe: %+v", got)
	}

	dialer.setOpen("10.0.0.9:37777", false)
	for i := 1; i <= cfg.DeviceDownFailures; i++ {
		if _, err := loop.Tick(ctx, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	got, err = store.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Online || got.Health != model.DeviceHealthDown {
		t.Fatalf("expected device down, got %+v", got)
	}
	if got.LastSeenAt == nil || !got.LastSeenAt.Equal(now) {
		t.Fatalf("last seen must stay at the last successful probe, got %v", got.LastSeenAt)
	}
}
