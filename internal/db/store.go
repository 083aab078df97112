package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/wallmux/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

const SettingLastSplit = "last_split"

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// Device rows carry credentials.
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) UpsertDevice(ctx context.Context, d model.Device) error {
	if err := validateDevice(d); err != nil {
		return err
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}
	if d.Driver == "" {
		d.Driver = model.DriverRTSP
	}
	if d.Health == "" {
		d.Health = model.DeviceHealthOK
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO devices(device_id, name, address, sdk_port, rtsp_port, username, password, kind, model, channel_hint, serial, online, driver, health, last_seen_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
	name=excluded.name,
	address=excluded.address,
	sdk_port=excluded.sdk_port,
	rtsp_port=excluded.rtsp_port,
	username=excluded.username,
	password=excluded.password,
	kind=excluded.kind,
	model=excluded.model,
	channel_hint=excluded.channel_hint,
	serial=excluded.serial,
	online=excluded.online,
	driver=excluded.driver,
	health=excluded.health,
	last_seen_at=excluded.last_seen_at,
	updated_at=excluded.updated_at
`, d.ID, strings.TrimSpace(d.Name), strings.TrimSpace(d.Address), d.SDKPort, d.RTSPPort, d.Username, d.Password,
		d.Kind, d.Model, d.ChannelHint, d.Serial, boolToInt(d.Online), d.Driver, string(d.Health), nullableTS(d.LastSeenAt), ts(d.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("device name %q: %w", d.Name, ErrDuplicate)
		}
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

const deviceColumns = `device_id, name, address, sdk_port, rtsp_port, username, password, kind, model, channel_hint, serial, online, driver, health, last_seen_at, updated_at`

func (s *Store) GetDevice(ctx context.Context, deviceID string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Device{}, ErrNotFound
		}
		return model.Device{}, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

func (s *Store) GetDeviceByName(ctx context.Context, name string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE name = ?`, strings.TrimSpace(name))
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Device{}, ErrNotFound
		}
		return model.Device{}, fmt.Errorf("get device by name: %w", err)
	}
	return d, nil
}

func (s *Store) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := make([]model.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter devices: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteDevice(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete device rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDeviceHealth records a probe outcome without touching the
// user-edited columns.
func (s *Store) UpdateDeviceHealth(ctx context.Context, deviceID string, online bool, health model.DeviceHealth, lastSeenAt *time.Time, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE devices
SET online = ?, health = ?, last_seen_at = COALESCE(?, last_seen_at), updated_at = ?
WHERE device_id = ?
`, boolToInt(online), string(health), nullableTS(lastSeenAt), ts(updatedAt), deviceID)
	if err != nil {
		return fmt.Errorf("update device health: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update device health rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
`, key, value, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// DeviceRecord is the portable JSON form used by export and import.
type DeviceRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Address     string `json:"ip"`
	SDKPort     int    `json:"port"`
	RTSPPort    int    `json:"rtsp_port,omitempty"`
	Username    string `json:"user"`
	Password    string `json:"pass"`
	Kind        string `json:"type,omitempty"`
	Model       string `json:"model,omitempty"`
	ChannelHint string `json:"channels,omitempty"`
	Serial      string `json:"serial,omitempty"`
	Driver      string `json:"driver,omitempty"`
}

func (s *Store) ExportDevices(ctx context.Context, w io.Writer) error {
	devices, err := s.ListDevices(ctx)
	if err != nil {
		return err
	}
	records := make([]DeviceRecord, 0, len(devices))
	for _, d := range devices {
		records = append(records, DeviceRecord{
			ID:          d.ID,
			Name:        d.Name,
			Address:     d.Address,
			SDKPort:     d.SDKPort,
			RTSPPort:    d.RTSPPort,
			Username:    d.Username,
			Password:    d.Password,
			Kind:        d.Kind,
			Model:       d.Model,
			ChannelHint: d.ChannelHint,
			Serial:      d.Serial,
			Driver:      d.Driver,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode devices: %w", err)
	}
	return nil
}

// ImportDevices replaces the whole device list in one transaction. Records
// without an id are rejected.
func (s *Store) ImportDevices(ctx context.Context, r io.Reader) (int, error) {
	var records []DeviceRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return 0, fmt.Errorf("decode devices: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin import tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM devices`); err != nil {
		return 0, fmt.Errorf("clear devices: %w", err)
	}
	now := time.Now().UTC()
	for i, rec := range records {
		d := model.Device{
			ID:          strings.TrimSpace(rec.ID),
			Name:        rec.Name,
			Address:     rec.Address,
			SDKPort:     rec.SDKPort,
			RTSPPort:    rec.RTSPPort,
			Username:    rec.Username,
			Password:    rec.Password,
			Kind:        rec.Kind,
			Model:       rec.Model,
			ChannelHint: rec.ChannelHint,
			Serial:      rec.Serial,
			Driver:      rec.Driver,
			Health:      model.DeviceHealthOK,
			UpdatedAt:   now,
		}
		if d.Driver == "" {
			d.Driver = model.DriverRTSP
		}
		if d.ID == "" {
			return 0, fmt.Errorf("device record %d: id is required", i)
		}
		if err := validateDevice(d); err != nil {
			return 0, fmt.Errorf("device record %d: %w", i, err)
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO devices(device_id, name, address, sdk_port, rtsp_port, username, password, kind, model, channel_hint, serial, driver, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
	name=excluded.name,
	address=excluded.address,
	sdk_port=excluded.sdk_port,
	rtsp_port=excluded.rtsp_port,
	username=excluded.username,
	password=excluded.password,
	kind=excluded.kind,
	model=excluded.model,
	channel_hint=excluded.channel_hint,
	serial=excluded.serial,
	driver=excluded.driver,
	updated_at=excluded.updated_at
`, d.ID, strings.TrimSpace(d.Name), strings.TrimSpace(d.Address), d.SDKPort, d.RTSPPort, d.Username, d.Password,
			d.Kind, d.Model, d.ChannelHint, d.Serial, d.Driver, ts(d.UpdatedAt))
		if err != nil {
			if isUniqueErr(err) {
				return 0, fmt.Errorf("device name %q: %w", d.Name, ErrDuplicate)
			}
			return 0, fmt.Errorf("import device %s: %w", d.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return len(records), nil
}

func validateDevice(d model.Device) error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("device_id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("device name is required")
	}
	switch d.Driver {
	case "", model.DriverRTSP:
		if strings.TrimSpace(d.Address) == "" {
			return fmt.Errorf("device address is required")
		}
	case model.DriverSim:
	default:
		return fmt.Errorf("unknown device driver %q", d.Driver)
	}
	if d.SDKPort < 0 || d.SDKPort > 65535 || d.RTSPPort < 0 || d.RTSPPort > 65535 {
		return fmt.Errorf("device port out of range")
	}
	return nil
}

func scanDevice(scanner interface{ Scan(dest ...any) error }) (model.Device, error) {
	var (
		d          model.Device
		online     int
		health     string
		lastSeenAt sql.NullString
		updatedAt  string
	)
	if err := scanner.Scan(&d.ID, &d.Name, &d.Address, &d.SDKPort, &d.RTSPPort, &d.Username, &d.Password,
		&d.Kind, &d.Model, &d.ChannelHint, &d.Serial, &online, &d.Driver, &health, &lastSeenAt, &updatedAt); err != nil {
		return model.Device{}, err
	}
	d.Online = online == 1
	d.Health = model.DeviceHealth(health)
	if lastSeenAt.Valid {
		v, err := parseTS(lastSeenAt.String)
		if err != nil {
			return model.Device{}, fmt.Errorf("parse device last_seen_at: %w", err)
		}
		d.LastSeenAt = &v
	}
	var err error
	d.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.Device{}, fmt.Errorf("parse device updated_at: %w", err)
	}
	return d, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
