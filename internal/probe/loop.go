package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/wallmux/internal/catalog"
	"github.com/g960059/wallmux/internal/config"
)

// Loop periodically probes every stored device and records the outcome in
// the catalog.
type Loop struct {
	catalog *catalog.Catalog
	prober  *Prober
	cfg     config.Config
	logger  zerolog.Logger

	mu     sync.Mutex
	states map[string]HealthState
}

func NewLoop(c *catalog.Catalog, prober *Prober, cfg config.Config, logger zerolog.Logger) *Loop {
	return &Loop{
		catalog: c,
		prober:  prober,
		cfg:     cfg,
		logger:  logger.With().Str("component", "probe").Logger(),
		states:  map[string]HealthState{},
	}
}

// Tick runs one probe round and returns the raw results.
func (l *Loop) Tick(ctx context.Context, now time.Time) ([]Result, error) {
	devices, err := l.catalog.Stored(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices for probe: %w", err)
	}
	results, err := l.prober.ProbeAll(ctx, devices)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	seen := make(map[string]struct{}, len(devices))
	updates := make([]catalog.ProbeUpdate, len(devices))
	answered := make([]Ports, len(devices))
	for i, d := range devices {
		seen[d.ID] = struct{}{}
		st, ok := l.states[d.ID]
		if target := probeTarget(d); !ok || st.Target != target {
			st = HealthState{Current: d.Health, Target: target}
		}
		st = NextHealth(l.cfg, st, results[i], now)
		l.states[d.ID] = st
		answered[i] = st.Last
		updates[i] = catalog.ProbeUpdate{
			Online:      results[i].Online,
			Health:      st.Current,
			Kind:        results[i].Kind,
			Model:       results[i].Model,
			ChannelHint: results[i].ChannelHint,
			At:          now,
		}
	}
	for id := range l.states {
		if _, ok := seen[id]; !ok {
			delete(l.states, id)
		}
	}
	l.mu.Unlock()

	for i, d := range devices {
		if err := l.catalog.ApplyProbe(ctx, d.ID, updates[i]); err != nil {
			// removed while probing
			l.logger.Debug().Err(err).Str("device", d.Name).Msg("skip probe result")
			continue
		}
		if updates[i].Health != d.Health {
			l.logger.Info().
				Str("device", d.Name).
				Str("from", string(d.Health)).
				Str("to", string(updates[i].Health)).
				Stringer("ports", answered[i]).
				Msg("device health changed")
		}
	}
	return results, nil
}

// Run ticks every ProbeInterval until ctx ends.
func (l *Loop) Run(ctx context.Context) {
	if _, err := l.Tick(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
		l.logger.Warn().Err(err).Msg("probe tick failed")
	}
	ticker := time.NewTicker(l.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Tick(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				l.logger.Warn().Err(err).Msg("probe tick failed")
			}
		}
	}
}
