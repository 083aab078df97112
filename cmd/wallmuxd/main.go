package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/wallmux/internal/catalog"
	"github.com/g960059/wallmux/internal/config"
	"github.com/g960059/wallmux/internal/daemon"
	"github.com/g960059/wallmux/internal/db"
	"github.com/g960059/wallmux/internal/decoder"
	"github.com/g960059/wallmux/internal/devicesdk"
	"github.com/g960059/wallmux/internal/logging"
	"github.com/g960059/wallmux/internal/probe"
	"github.com/g960059/wallmux/internal/tui"
	"github.com/g960059/wallmux/internal/wall"
)

type options struct {
	cfg     config.Config
	tui     bool
	noProbe bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fatal(err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, opts); err != nil {
		fatal(err)
	}
}

// parseFlags builds the effective config: defaults, then the --config file,
// then any flag given explicitly on the command line.
func parseFlags(args []string, errOut io.Writer) (options, error) {
	def := config.DefaultConfig()
	fs := pflag.NewFlagSet("wallmuxd", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", "", "YAML config file")
	socket := fs.String("socket", def.SocketPath, "UDS path for wallmuxd")
	dbPath := fs.String("db", def.DBPath, "SQLite path")
	logLevel := fs.String("log-level", def.LogLevel, "log level (debug, info, warn, error)")
	logPath := fs.String("log-file", def.LogPath, "log file used in --tui mode")
	snapshotDir := fs.String("snapshot-dir", def.SnapshotDir, "directory for cell snapshots")
	ffmpegPath := fs.String("ffmpeg", def.FFmpegPath, "ffmpeg binary")
	split := fs.Int("split", def.DefaultSplit, "cell count used when no split was saved")
	streamType := fs.String("stream-type", def.StreamType, "device stream type (main or sub)")
	retryInterval := fs.Duration("retry-interval", def.RetryInterval, "delay between reconnect attempts")
	withTUI := fs.Bool("tui", false, "show the wall in this terminal")
	noProbe := fs.Bool("no-probe", false, "disable periodic device probing")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := def
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath, cfg)
		if err != nil {
			return options{}, err
		}
		cfg = loaded
	}
	overrides := []struct {
		name  string
		apply func()
	}{
		{"socket", func() { cfg.SocketPath = *socket }},
		{"db", func() { cfg.DBPath = *dbPath }},
		{"log-level", func() { cfg.LogLevel = *logLevel }},
		{"log-file", func() { cfg.LogPath = *logPath }},
		{"snapshot-dir", func() { cfg.SnapshotDir = *snapshotDir }},
		{"ffmpeg", func() { cfg.FFmpegPath = *ffmpegPath }},
		{"split", func() { cfg.DefaultSplit = *split }},
		{"stream-type", func() { cfg.StreamType = *streamType }},
		{"retry-interval", func() { cfg.RetryInterval = *retryInterval }},
	}
	for _, o := range overrides {
		if fs.Changed(o.name) {
			o.apply()
		}
	}
	if err := cfg.Validate(); err != nil {
		return options{}, fmt.Errorf("invalid config: %w", err)
	}
	return options{cfg: cfg, tui: *withTUI, noProbe: *noProbe}, nil
}

func run(ctx context.Context, opts options) error {
	cfg := opts.cfg
	logger, closeLog, err := newLogger(cfg, opts.tui)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}

	devices := catalog.New(store)
	prober := probe.NewProber(cfg.ProbeTimeout, cfg.ProbeConcurrency)
	probeLoop := probe.NewLoop(devices, prober, cfg, logger)
	ff := decoder.NewFFmpeg(cfg, logger)
	w, err := wall.New(cfg, wall.Deps{
		Decoder: ff,
		SDK:     devicesdk.NewDefaultRegistry(cfg, ff, logger),
		Logger:  logger,
	}, wall.OnLayoutChange(persistSplit(ctx, store, logger)))
	if err != nil {
		return err
	}
	srv := daemon.NewServerWithDeps(cfg, daemon.Deps{
		Wall:    w,
		Catalog: devices,
		Probe:   probeLoop,
		Logger:  logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		split := restoreSplit(gctx, store, cfg.DefaultSplit, logger)
		if err := w.SetSplit(gctx, split); err != nil {
			return fmt.Errorf("restore split: %w", err)
		}
		return srv.Start(gctx)
	})
	if !opts.noProbe {
		g.Go(func() error {
			probeLoop.Run(gctx)
			return nil
		})
	}
	if opts.tui {
		g.Go(func() error {
			// quitting the TUI stops the process
			defer cancel()
			return tui.Run(gctx, tui.New(cfg, w, devices, logger))
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("wallmuxd stopped")
	return nil
}

// newLogger logs to stderr, or to cfg.LogPath when the terminal belongs to
// the TUI.
func newLogger(cfg config.Config, toFile bool) (zerolog.Logger, func(), error) {
	if !toFile {
		return logging.New(cfg.LogLevel, os.Stderr), func() {}, nil
	}
	f, err := logging.OpenFile(cfg.LogPath)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	return logging.New(cfg.LogLevel, f), func() { _ = f.Close() }, nil
}

// restoreSplit returns the last saved cell count, or fallback when none is
// stored or the stored value is unusable.
func restoreSplit(ctx context.Context, store *db.Store, fallback int, logger zerolog.Logger) int {
	raw, err := store.GetSetting(ctx, db.SettingLastSplit)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			logger.Warn().Err(err).Msg("read saved split")
		}
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		logger.Warn().Str("value", raw).Msg("ignoring saved split")
		return fallback
	}
	return n
}

// persistSplit runs on the wall's owner loop, so the write is bounded.
func persistSplit(ctx context.Context, store *db.Store, logger zerolog.Logger) func(int) {
	return func(n int) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := store.SetSetting(wctx, db.SettingLastSplit, strconv.Itoa(n)); err != nil {
			logger.Warn().Err(err).Int("split", n).Msg("save split")
		}
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "wallmuxd: %v\n", err)
	os.Exit(1)
}
