package decoder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/g960059/wallmux/internal/security"
)

type Process interface {
	Stdout() io.Reader
	Wait() error
	Kill() error
}

type Runner interface {
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

type OSRunner struct{}

func (OSRunner) Start(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	p := &osProcess{cmd: cmd, stdout: stdout}
	cmd.Stderr = &p.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return p, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr lockedBuffer
}

func (p *osProcess) Stdout() io.Reader { return p.stdout }

func (p *osProcess) Wait() error {
	err := p.cmd.Wait()
	if err == nil {
		return nil
	}
	if msg := p.stderr.tail(512); msg != "" {
		return fmt.Errorf("%w: %s", err, security.RedactText(msg))
	}
	return err
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// ffmpeg at -loglevel error is quiet; cap anyway
	if b.buf.Len() > 64<<10 {
		b.buf.Reset()
	}
	return b.buf.Write(p)
}

func (b *lockedBuffer) tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(b.buf.String())
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
