package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/g960059/wallmux/internal/config"
	"github.com/g960059/wallmux/internal/model"
	"github.com/g960059/wallmux/internal/security"
	"github.com/g960059/wallmux/internal/surface"
	"github.com/g960059/wallmux/internal/wall"
)

var (
	ErrUnsupportedURL = errors.New("unsupported stream url")
	ErrNoFrames       = errors.New("stream ended before the first frame")
)

var supportedSchemes = map[string]bool{
	"rtsp":  true,
	"rtsps": true,
	"http":  true,
	"https": true,
	"rtmp":  true,
	"file":  true,
}

func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	if !supportedSchemes[strings.ToLower(u.Scheme)] {
		return fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}
	if u.Scheme != "file" && u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrUnsupportedURL)
	}
	return nil
}

// FFmpeg runs one ffmpeg process per stream and decodes raw RGB frames onto
// a surface. Process starts are paced by a shared limiter.
type FFmpeg struct {
	path        string
	width       int
	height      int
	fps         int
	openTimeout time.Duration
	runner      Runner
	limiter     *rate.Limiter
	logger      zerolog.Logger
}

func NewFFmpeg(cfg config.Config, logger zerolog.Logger) *FFmpeg {
	return NewFFmpegWithRunner(cfg, OSRunner{}, logger)
}

func NewFFmpegWithRunner(cfg config.Config, runner Runner, logger zerolog.Logger) *FFmpeg {
	return &FFmpeg{
		path:        cfg.FFmpegPath,
		width:       cfg.FrameWidth,
		height:      cfg.FrameHeight,
		fps:         cfg.FrameRate,
		openTimeout: cfg.DecoderOpenTimeout,
		runner:      runner,
		limiter:     rate.NewLimiter(rate.Limit(cfg.DecoderSpawnRate), cfg.DecoderSpawnBurst),
		logger:      logger.With().Str("component", "decoder").Logger(),
	}
}

func (f *FFmpeg) Args(rawURL string) []string {
	args := []string{"-nostdin", "-loglevel", "error"}
	if strings.HasPrefix(strings.ToLower(rawURL), "rtsp") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	return append(args,
		"-i", rawURL,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", f.width, f.height),
		"-r", strconv.Itoa(f.fps),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)
}

// Stream is one running decode pipeline.
type Stream struct {
	url     string
	cancel  context.CancelFunc
	proc    Process
	first   chan struct{}
	done    chan struct{}
	stopped atomic.Bool
	err     error
}

// Start waits for a spawn slot, launches the pipeline and returns at once.
// ctx bounds only the wait; the process lives until Stop or end of stream.
func (f *FFmpeg) Start(ctx context.Context, rawURL string, s *surface.Surface) (*Stream, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for decoder slot: %w", err)
	}
	pctx, cancel := context.WithCancel(context.Background())
	proc, err := f.runner.Start(pctx, f.path, f.Args(rawURL)...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start decoder: %w", err)
	}
	st := &Stream{
		url:    rawURL,
		cancel: cancel,
		proc:   proc,
		first:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go f.pump(st, s)
	return st, nil
}

func (f *FFmpeg) pump(st *Stream, s *surface.Surface) {
	defer close(st.done)
	defer st.cancel()

	buf := make([]byte, f.width*f.height*3)
	sawFrame := false
	var readErr error
	out := st.proc.Stdout()
	for {
		if _, err := io.ReadFull(out, buf); err != nil {
			readErr = err
			break
		}
		if err := s.PresentRGB(f.width, f.height, buf); err != nil {
			readErr = err
			break
		}
		if !sawFrame {
			sawFrame = true
			close(st.first)
		}
	}
	waitErr := st.proc.Wait()

	switch {
	case st.stopped.Load():
	case waitErr != nil:
		st.err = waitErr
	case readErr != nil && !errors.Is(readErr, io.EOF):
		st.err = fmt.Errorf("read frame: %w", readErr)
	case !sawFrame:
		st.err = ErrNoFrames
	}
	if st.err != nil {
		f.logger.Debug().Err(st.err).Str("url", security.RedactURL(st.url)).Msg("decoder exited")
	}
}

func (st *Stream) FirstFrame() <-chan struct{} { return st.first }

func (st *Stream) Done() <-chan struct{} { return st.done }

// Err is the exit error. Valid after Done is closed.
func (st *Stream) Err() error {
	<-st.done
	return st.err
}

// Stop kills the pipeline and waits for it to exit. Safe to call repeatedly.
func (st *Stream) Stop() {
	st.stopped.Store(true)
	st.cancel()
	_ = st.proc.Kill()
	<-st.done
}

func (st *Stream) Stopped() bool { return st.stopped.Load() }

// NewPlayer implements wall.Decoder.
func (f *FFmpeg) NewPlayer(s *surface.Surface) wall.Player {
	return &Player{ff: f, surface: s}
}

type Player struct {
	ff      *FFmpeg
	surface *surface.Surface

	mu  sync.Mutex
	cur *Stream
}

func (p *Player) Open(ctx context.Context, rawURL string, notify func(model.PlaybackEvent)) error {
	p.Stop()
	octx, cancel := context.WithTimeout(ctx, p.ff.openTimeout)
	defer cancel()
	st, err := p.ff.Start(octx, rawURL, p.surface)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cur = st
	p.mu.Unlock()
	go watch(st, notify)
	return nil
}

func watch(st *Stream, notify func(model.PlaybackEvent)) {
	select {
	case <-st.first:
		if !st.Stopped() {
			notify(model.EventPlaying)
		}
	case <-st.done:
	}
	err := st.Err()
	if st.Stopped() {
		return
	}
	if err != nil {
		notify(model.EventEncounteredError)
		return
	}
	notify(model.EventStopped)
}

func (p *Player) Stop() {
	p.mu.Lock()
	st := p.cur
	p.cur = nil
	p.mu.Unlock()
	if st != nil {
		st.Stop()
	}
}

func (p *Player) Snapshot(path string) error {
	return p.surface.WritePNG(path)
}

func (p *Player) Close() error {
	p.Stop()
	return nil
}
