package surface

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var ErrNoFrame = errors.New("no frame on surface")

// Surface is the rendering target of one cell. It keeps only the latest
// frame; producers (decoder pipelines, device channels) write to it from
// their own goroutines and the presentation layer reads it.
type Surface struct {
	id int

	mu        sync.RWMutex
	img       *image.RGBA
	version   uint64
	frames    uint64
	updatedAt time.Time
	fps       float64
}

type Stats struct {
	Version   uint64
	Frames    uint64
	FPS       float64
	Width     int
	Height    int
	UpdatedAt time.Time
}

func New(id int) *Surface {
	return &Surface{id: id}
}

func (s *Surface) ID() int {
	return s.id
}

// Present replaces the current frame. The surface takes ownership of img.
func (s *Surface) Present(img *image.RGBA) {
	if img == nil {
		return
	}
	now := time.Now()
	s.mu.Lock()
	if !s.updatedAt.IsZero() {
		if dt := now.Sub(s.updatedAt).Seconds(); dt > 0 {
			inst := 1 / dt
			if s.fps == 0 {
				s.fps = inst
			} else {
				s.fps = 0.8*s.fps + 0.2*inst
			}
		}
	}
	s.img = img
	s.version++
	s.frames++
	s.updatedAt = now
	s.mu.Unlock()
}

// PresentRGB copies a packed rgb24 buffer of w*h pixels onto the surface.
func (s *Surface) PresentRGB(w, h int, rgb []byte) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", w, h)
	}
	if len(rgb) < w*h*3 {
		return fmt.Errorf("short frame: %d bytes for %dx%d", len(rgb), w, h)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i < w*h*3; i, j = i+3, j+4 {
		img.Pix[j] = rgb[i]
		img.Pix[j+1] = rgb[i+1]
		img.Pix[j+2] = rgb[i+2]
		img.Pix[j+3] = 0xff
	}
	s.Present(img)
	return nil
}

// Clear drops the current frame so viewers fall back to status text.
func (s *Surface) Clear() {
	s.mu.Lock()
	s.img = nil
	s.version++
	s.fps = 0
	s.updatedAt = time.Time{}
	s.mu.Unlock()
}

func (s *Surface) Latest() (*image.RGBA, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.img, s.version
}

func (s *Surface) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Version:   s.version,
		Frames:    s.frames,
		FPS:       s.fps,
		UpdatedAt: s.updatedAt,
	}
	if s.img != nil {
		st.Width = s.img.Rect.Dx()
		st.Height = s.img.Rect.Dy()
	}
	return st
}

// WritePNG encodes the latest frame to path.
func (s *Surface) WritePNG(path string) error {
	img, _ := s.Latest()
	if img == nil {
		return ErrNoFrame
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return f.Close()
}
