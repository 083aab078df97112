package probe

import (
	"fmt"
	"time"

	"github.com/g960059/wallmux/internal/config"
	"github.com/g960059/wallmux/internal/model"
)

// Ports is the set of recorder ports that answered a probe.
type Ports uint8

const (
	PortRTSP Ports = 1 << iota
	PortSDK
)

func (p Ports) String() string {
	switch p {
	case PortRTSP | PortSDK:
		return "rtsp+sdk"
	case PortRTSP:
		return "rtsp"
	case PortSDK:
		return "sdk"
	default:
		return "none"
	}
}

func portsOf(r Result) Ports {
	var p Ports
	if r.RTSPOpen {
		p |= PortRTSP
	}
	if r.SDKOpen {
		p |= PortSDK
	}
	return p
}

// HealthState tracks one device across probe rounds. Known holds every port
// that has answered since the device's address last changed.
type HealthState struct {
	Current              model.DeviceHealth
	Target               string
	Known                Ports
	Last                 Ports
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

// probeTarget identifies where a device is probed. Health history is reset
// when it changes.
func probeTarget(d model.Device) string {
	return fmt.Sprintf("%s|%d|%d", d.Address, d.RTSPPort, d.SDKPort)
}

// NextHealth folds one probe result into a device's health.
//
// No port answering is a miss: the first miss degrades, DeviceDownFailures
// misses inside DeviceDownWindow mark the device down. A device that answers
// on fewer ports than it used to (an NVR whose SDK port went quiet while RTSP
// still streams) is degraded but never down. Answering on every known port is
// a hit, and DeviceRecoverSuccesses hits bring it back to ok.
func NextHealth(cfg config.Config, state HealthState, res Result, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = model.DeviceHealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}
	ports := portsOf(res)
	state.Last = ports

	switch {
	case ports == 0:
		return miss(cfg, state, now)
	case ports&state.Known != state.Known:
		state.ConsecutiveFailures = 0
		state.ConsecutiveSuccesses = 0
		state.Known |= ports
		if state.Current != model.DeviceHealthDegraded {
			state.Current = model.DeviceHealthDegraded
			state.LastTransitionAt = now
		}
		return state
	}

	state.Known |= ports
	state.ConsecutiveSuccesses++
	state.ConsecutiveFailures = 0
	if state.Current != model.DeviceHealthOK && state.ConsecutiveSuccesses >= cfg.DeviceRecoverSuccesses {
		state.Current = model.DeviceHealthOK
		state.LastTransitionAt = now
	}
	return state
}

func miss(cfg config.Config, state HealthState, now time.Time) HealthState {
	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case model.DeviceHealthOK:
		state.Current = model.DeviceHealthDegraded
		state.LastTransitionAt = now
	case model.DeviceHealthDegraded:
		if now.Sub(state.LastTransitionAt) > cfg.DeviceDownWindow {
			// stale degradation; start counting again
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= cfg.DeviceDownFailures {
			state.Current = model.DeviceHealthDown
			state.LastTransitionAt = now
		}
	}
	return state
}
