package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/g960059/wallmux/internal/model"
)

const (
	KindNVR    = "NVR (estimated)"
	KindCamera = "IP camera (estimated)"
	ModelDahua = "Dahua (estimated)"

	defaultChannelHint = "16"
)

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Result struct {
	DeviceID    string
	Online      bool
	RTSPOpen    bool
	SDKOpen     bool
	Kind        string
	Model       string
	ChannelHint string
	Elapsed     time.Duration
}

type Prober struct {
	dialer      Dialer
	timeout     time.Duration
	concurrency int
}

func NewProber(timeout time.Duration, concurrency int) *Prober {
	return NewProberWithDialer(&net.Dialer{}, timeout, concurrency)
}

func NewProberWithDialer(dialer Dialer, timeout time.Duration, concurrency int) *Prober {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Prober{dialer: dialer, timeout: timeout, concurrency: concurrency}
}

// Probe checks the RTSP and SDK ports of d. Simulated devices are always
// reachable.
func (p *Prober) Probe(ctx context.Context, d model.Device) Result {
	start := time.Now()
	res := Result{DeviceID: d.ID}
	if d.Driver == model.DriverSim {
		res.Online, res.RTSPOpen, res.SDKOpen = true, true, true
		res.Elapsed = time.Since(start)
		return res
	}
	rtspPort := d.RTSPPort
	if rtspPort <= 0 {
		rtspPort = model.DefaultRTSPPort
	}
	sdkPort := d.SDKPort
	if sdkPort <= 0 {
		sdkPort = model.DefaultSDKPort
	}

	var g errgroup.Group
	g.Go(func() error {
		res.RTSPOpen = p.reachable(ctx, d.Address, rtspPort)
		return nil
	})
	g.Go(func() error {
		res.SDKOpen = p.reachable(ctx, d.Address, sdkPort)
		return nil
	})
	_ = g.Wait()

	res.Online = res.RTSPOpen || res.SDKOpen
	switch {
	case res.SDKOpen:
		res.Kind = KindNVR
		res.Model = ModelDahua
		if d.ChannelHint == "" {
			res.ChannelHint = defaultChannelHint
		}
	case res.RTSPOpen:
		res.Kind = KindCamera
	}
	res.Elapsed = time.Since(start)
	return res
}

// ProbeAll probes devices concurrently, at most concurrency at a time. The
// results keep the input order.
func (p *Prober) ProbeAll(ctx context.Context, devices []model.Device) ([]Result, error) {
	out := make([]Result, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, d := range devices {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = p.Probe(gctx, d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("probe devices: %w", err)
	}
	return out, nil
}

func (p *Prober) reachable(ctx context.Context, host string, port int) bool {
	if host == "" {
		return false
	}
	dctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dialer.DialContext(dctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
