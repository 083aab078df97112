package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/g960059/wallmux/internal/api"
	"github.com/g960059/wallmux/internal/appclient"
	"github.com/g960059/wallmux/internal/config"
)

type Runner struct {
	client *appclient.Client
	out    io.Writer
	errOut io.Writer
	stdin  io.Reader
	custom bool
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	return newRunner(appclient.New(socketPath), out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	r := newRunner(appclient.NewWithClient(baseURL, client), out, errOut)
	r.custom = true
	return r
}

func newRunner(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut, stdin: os.Stdin}
}

// WithStdin replaces the reader used by "device import -".
func (r *Runner) WithStdin(in io.Reader) *Runner {
	r.stdin = in
	return r
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, explicit, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if explicit && !r.custom {
		r.client = appclient.New(socketPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "status":
		return r.runStatus(ctx, rest[1:])
	case "split":
		return r.runSplit(ctx, rest[1:])
	case "play":
		return r.runPlay(ctx, rest[1:])
	case "play-device":
		return r.runPlayDevice(ctx, rest[1:])
	case "stop":
		return r.runStop(ctx, rest[1:])
	case "restart", "url", "snapshot", "zoom", "actions":
		return r.runCell(ctx, rest[0], rest[1:])
	case "device":
		return r.runDevice(ctx, rest[1:])
	case "help", "-h", "--help":
		r.printUsage()
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, bool, []string, error) {
	socket := config.DefaultConfig().SocketPath
	explicit := false
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--socket":
			if i+1 >= len(args) {
				return "", false, nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			explicit = true
			i++
			continue
		case strings.HasPrefix(args[i], "--socket="):
			socket = strings.TrimPrefix(args[i], "--socket=")
			explicit = true
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, explicit, rest, nil
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (r *Runner) parse(fs *pflag.FlagSet, args []string) bool {
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return false
	}
	return true
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	fs := newFlagSet("status")
	jsonOut := fs.Bool("json", false, "output JSON")
	watch := fs.Bool("watch", false, "keep printing the wall state until interrupted")
	interval := fs.Duration("interval", time.Second, "poll interval for --watch")
	if !r.parse(fs, args) {
		return 2
	}
	if *interval <= 0 {
		_, _ = fmt.Fprintln(r.errOut, "error: --interval must be positive")
		return 2
	}
	last := ""
	err := r.client.WatchState(ctx, appclient.WatchOptions{
		PollInterval: *interval,
		Once:         !*watch,
	}, func(st api.WallResponse) error {
		var text string
		if *jsonOut {
			b, err := json.Marshal(st)
			if err != nil {
				return err
			}
			text = string(b) + "\n"
		} else {
			text = formatState(st)
		}
		// --watch only prints when something other than the timestamp changed
		key := stateKey(st)
		if *watch && key == last {
			return nil
		}
		last = key
		_, err := io.WriteString(r.out, text)
		return err
	})
	if err != nil {
		if *watch && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return 0
		}
		return r.handleErr(err)
	}
	return 0
}

func stateKey(st api.WallResponse) string {
	st.GeneratedAt = time.Time{}
	for i := range st.Cells {
		st.Cells[i].Frames = 0
		st.Cells[i].FPS = 0
	}
	b, _ := json.Marshal(st)
	return string(b)
}

func formatState(st api.WallResponse) string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "split %d (%dx%d, capacity %d) mode=%s\n", st.Requested, st.Side, st.Side, st.Capacity, st.Mode)
	_, _ = fmt.Fprintf(&b, "caption: %s\n", st.Caption)
	if st.Zoomed && st.ZoomIndex != nil {
		_, _ = fmt.Fprintf(&b, "zoomed: #%d\n", *st.ZoomIndex+1)
	}
	if len(st.RetryPending) > 0 {
		_, _ = fmt.Fprintf(&b, "retry pending: %s\n", joinCells(st.RetryPending))
	}
	for _, c := range st.Cells {
		if !c.Visible {
			continue
		}
		_, _ = fmt.Fprintf(&b, "#%d\t%s\t%s\n", c.Index+1, c.Health, cellSource(c))
	}
	return b.String()
}

func cellSource(c api.CellItem) string {
	switch {
	case c.URL != "":
		return c.URL
	case c.Channel != nil:
		return fmt.Sprintf("channel %d", *c.Channel)
	default:
		return "-"
	}
}

func joinCells(indices []int) string {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = "#" + strconv.Itoa(idx+1)
	}
	return strings.Join(parts, " ")
}

func (r *Runner) runSplit(ctx context.Context, args []string) int {
	fs := newFlagSet("split")
	jsonOut := fs.Bool("json", false, "output JSON")
	if !r.parse(fs, args) {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: wallmux split <cells>")
		return 2
	}
	n, err := strconv.Atoi(strings.TrimSpace(fs.Arg(0)))
	if err != nil || n < 1 {
		_, _ = fmt.Fprintf(r.errOut, "error: invalid cell count %q\n", fs.Arg(0))
		return 2
	}
	st, err := r.client.SetSplit(ctx, n)
	if err != nil {
		return r.handleErr(err)
	}
	return r.printWall(st, *jsonOut)
}

func (r *Runner) runPlay(ctx context.Context, args []string) int {
	fs := newFlagSet("play")
	jsonOut := fs.Bool("json", false, "output JSON")
	if !r.parse(fs, args) {
		return 2
	}
	urls := make([]string, 0, fs.NArg())
	for _, u := range fs.Args() {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: wallmux play <url>...")
		return 2
	}
	st, err := r.client.PlayStreams(ctx, urls)
	if err != nil {
		return r.handleErr(err)
	}
	return r.printWall(st, *jsonOut)
}

func (r *Runner) runPlayDevice(ctx context.Context, args []string) int {
	fs := newFlagSet("play-device")
	jsonOut := fs.Bool("json", false, "output JSON")
	if !r.parse(fs, args) {
		return 2
	}
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: wallmux play-device <name|id>")
		return 2
	}
	res, err := r.client.PlayDevice(ctx, fs.Arg(0))
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		if code := r.writeJSON(res); code != 0 {
			return code
		}
	} else {
		_, _ = fmt.Fprintf(r.out, "playing %s: %d/%d channels on %d cells\n", res.Device, res.Bound, res.Channels, res.Capacity)
	}
	if res.Error != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %s: %s\n", res.Error.Code, res.Error.Message)
		return 1
	}
	return 0
}

func (r *Runner) runStop(ctx context.Context, args []string) int {
	fs := newFlagSet("stop")
	jsonOut := fs.Bool("json", false, "output JSON")
	if !r.parse(fs, args) {
		return 2
	}
	var (
		st  api.WallResponse
		err error
	)
	switch fs.NArg() {
	case 0:
		st, err = r.client.StopAll(ctx)
	case 1:
		idx, ok := r.cellIndex(fs.Arg(0))
		if !ok {
			return 2
		}
		st, err = r.client.StopCell(ctx, idx)
	default:
		_, _ = fmt.Fprintln(r.errOut, "usage: wallmux stop [cell]")
		return 2
	}
	if err != nil {
		return r.handleErr(err)
	}
	return r.printWall(st, *jsonOut)
}

// runCell handles the per-cell commands. Cells are numbered from 1 on the
// command line, matching the #N labels in status output.
func (r *Runner) runCell(ctx context.Context, op string, args []string) int {
	fs := newFlagSet(op)
	jsonOut := fs.Bool("json", false, "output JSON")
	if !r.parse(fs, args) {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintf(r.errOut, "usage: wallmux %s <cell>\n", op)
		return 2
	}
	idx, ok := r.cellIndex(fs.Arg(0))
	if !ok {
		return 2
	}
	switch op {
	case "restart":
		st, err := r.client.RestartCell(ctx, idx)
		if err != nil {
			return r.handleErr(err)
		}
		return r.printWall(st, *jsonOut)
	case "zoom":
		st, err := r.client.ZoomCell(ctx, idx)
		if err != nil {
			return r.handleErr(err)
		}
		return r.printWall(st, *jsonOut)
	case "url":
		res, err := r.client.CellURL(ctx, idx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(res)
		}
		_, _ = fmt.Fprintln(r.out, res.URL)
		return 0
	case "snapshot":
		res, err := r.client.Snapshot(ctx, idx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(res)
		}
		_, _ = fmt.Fprintf(r.out, "saved %s\n", res.Path)
		return 0
	default:
		res, err := r.client.Actions(ctx, idx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(res)
		}
		for _, a := range []struct {
			name string
			on   bool
		}{
			{"stop", res.StopOne},
			{"stop-all", res.StopAll},
			{"restart", res.Restart},
			{"copy-url", res.CopyURL},
			{"snapshot", res.Snapshot},
		} {
			state := "disabled"
			if a.on {
				state = "enabled"
			}
			_, _ = fmt.Fprintf(r.out, "%s\t%s\n", a.name, state)
		}
		return 0
	}
}

func (r *Runner) cellIndex(raw string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		_, _ = fmt.Fprintf(r.errOut, "error: invalid cell %q (cells are numbered from 1)\n", raw)
		return 0, false
	}
	return n - 1, true
}

func (r *Runner) runDevice(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: wallmux device <list|add|rm|channels|probe|export|import>")
		return 2
	}
	switch args[0] {
	case "list":
		fs := newFlagSet("device list")
		jsonOut := fs.Bool("json", false, "output JSON")
		if !r.parse(fs, args[1:]) {
			return 2
		}
		env, err := r.client.ListDevices(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(env)
		}
		for _, d := range env.Devices {
			online := "offline"
			if d.Online {
				online = "online"
			}
			name := d.Name
			if d.Sample {
				name += " (sample)"
			}
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\t%s\n", d.DeviceID, name, d.Address, d.Driver, online, d.Health)
		}
		return 0
	case "add":
		fs := newFlagSet("device add")
		address := fs.String("address", "", "device address (host, or sim://name?channels=N for the simulator)")
		sdkPort := fs.Int("sdk-port", 0, "SDK port (default 37777)")
		rtspPort := fs.Int("rtsp-port", 0, "RTSP port (default 554)")
		username := fs.String("username", "", "login user (default admin)")
		password := fs.String("password", "", "login password")
		channels := fs.String("channels", "", "channel hint, e.g. 16 or 16/32")
		driver := fs.String("driver", "", "driver: rtsp or sim")
		kind := fs.String("kind", "", "device kind")
		modelName := fs.String("model", "", "device model")
		serial := fs.String("serial", "", "serial number")
		jsonOut := fs.Bool("json", false, "output JSON")
		if !r.parse(fs, args[1:]) {
			return 2
		}
		if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
			_, _ = fmt.Fprintln(r.errOut, "usage: wallmux device add <name> --address <host> [--driver rtsp|sim] ...")
			return 2
		}
		env, err := r.client.AddDevice(ctx, api.CreateDeviceRequest{
			Name:        strings.TrimSpace(fs.Arg(0)),
			Address:     strings.TrimSpace(*address),
			SDKPort:     *sdkPort,
			RTSPPort:    *rtspPort,
			Username:    *username,
			Password:    *password,
			Kind:        *kind,
			Model:       *modelName,
			ChannelHint: strings.TrimSpace(*channels),
			Serial:      *serial,
			Driver:      strings.TrimSpace(*driver),
		})
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(env)
		}
		if len(env.Devices) == 0 {
			_, _ = fmt.Fprintf(r.out, "added device %s\n", fs.Arg(0))
			return 0
		}
		_, _ = fmt.Fprintf(r.out, "added device %s (%s)\n", env.Devices[0].Name, env.Devices[0].DeviceID)
		return 0
	case "rm", "remove":
		fs := newFlagSet("device rm")
		if !r.parse(fs, args[1:]) {
			return 2
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(r.errOut, "usage: wallmux device rm <id>")
			return 2
		}
		if err := r.client.RemoveDevice(ctx, fs.Arg(0)); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "removed device %s\n", fs.Arg(0))
		return 0
	case "channels":
		fs := newFlagSet("device channels")
		jsonOut := fs.Bool("json", false, "output JSON")
		if !r.parse(fs, args[1:]) {
			return 2
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(r.errOut, "usage: wallmux device channels <name|id>")
			return 2
		}
		env, err := r.client.Channels(ctx, fs.Arg(0))
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(env)
		}
		for _, ch := range env.Channels {
			_, _ = fmt.Fprintf(r.out, "%d\t%s\t%s\n", ch.Number, ch.Label, ch.URL)
		}
		return 0
	case "probe":
		fs := newFlagSet("device probe")
		jsonOut := fs.Bool("json", false, "output JSON")
		if !r.parse(fs, args[1:]) {
			return 2
		}
		env, err := r.client.Probe(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(env)
		}
		for _, p := range env.Results {
			online := "offline"
			if p.Online {
				online = "online"
			}
			_, _ = fmt.Fprintf(r.out, "%s\t%s\trtsp=%t\tsdk=%t\t%dms\n", p.DeviceID, online, p.RTSPOpen, p.SDKOpen, p.ElapsedMS)
		}
		return 0
	case "export":
		fs := newFlagSet("device export")
		file := fs.StringP("output", "o", "", "write to file instead of stdout")
		if !r.parse(fs, args[1:]) {
			return 2
		}
		w := r.out
		if path := strings.TrimSpace(*file); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return r.handleErr(err)
			}
			defer f.Close() //nolint:errcheck
			w = f
		}
		if err := r.client.ExportDevices(ctx, w); err != nil {
			return r.handleErr(err)
		}
		return 0
	case "import":
		fs := newFlagSet("device import")
		if !r.parse(fs, args[1:]) {
			return 2
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(r.errOut, "usage: wallmux device import <file|->")
			return 2
		}
		in := r.stdin
		if path := fs.Arg(0); path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return r.handleErr(err)
			}
			defer f.Close() //nolint:errcheck
			in = f
		}
		n, err := r.client.ImportDevices(ctx, in)
		if err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "imported %d devices\n", n)
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown device command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) printWall(st api.WallResponse, jsonOut bool) int {
	if jsonOut {
		return r.writeJSON(st)
	}
	_, _ = io.WriteString(r.out, formatState(st))
	return 0
}

func (r *Runner) writeJSON(v any) int {
	enc := json.NewEncoder(r.out)
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: wallmux [--socket <path>] <status|split|play|play-device|stop|restart|url|snapshot|zoom|actions|device> ...")
}
