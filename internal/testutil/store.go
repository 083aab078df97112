package testutil

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/g960059/wallmux/internal/db"
	"github.com/g960059/wallmux/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "wallmux-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedDevice stores a simulated device with the given channel count.
func SeedDevice(t *testing.T, store *db.Store, ctx context.Context, id, name string, channels int) model.Device {
	t.Helper()
	d := model.Device{
		ID:          id,
		Name:        name,
		Address:     "127.0.0.1",
		SDKPort:     model.DefaultSDKPort,
		RTSPPort:    model.DefaultRTSPPort,
		Username:    model.DefaultUsername,
		ChannelHint: strconv.Itoa(channels),
		Driver:      model.DriverSim,
		Health:      model.DeviceHealthOK,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := store.UpsertDevice(ctx, d); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	return d
}
