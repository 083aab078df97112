package tui

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/g960059/wallmux/internal/catalog"
	"github.com/g960059/wallmux/internal/config"
	"github.com/g960059/wallmux/internal/model"
	"github.com/g960059/wallmux/internal/wall"
)

// Wall is the slice of *wall.Wall the presentation layer drives.
type Wall interface {
	State(ctx context.Context) (wall.State, error)
	SetSplit(ctx context.Context, n int) error
	ToggleZoom(ctx context.Context, i int) error
	PlayStreams(ctx context.Context, urls []string) error
	PlayDeviceAllChannels(ctx context.Context, d model.Device) (wall.DevicePlayback, error)
	StopAll(ctx context.Context) error
	StopOne(ctx context.Context, i int) error
	RestartOne(ctx context.Context, i int) error
	CellURL(ctx context.Context, i int) (string, error)
	Snapshot(ctx context.Context, i int) (string, error)
}

type Devices interface {
	List(ctx context.Context) ([]model.Device, error)
	Subscribe(fn func()) func()
}

type pane int

const (
	paneTree pane = iota
	paneGrid
)

type treeNode struct {
	device  model.Device
	channel catalog.Channel
	isChan  bool
}

type (
	tickMsg    time.Time
	catalogMsg struct{}
	stateMsg   struct {
		state wall.State
		err   error
	}
	devicesMsg struct {
		devices []model.Device
		err     error
	}
	actionMsg struct {
		text string
		err  error
	}
)

type Option func(*Model)

// WithClipboard replaces the system clipboard writer.
func WithClipboard(fn func(string) error) Option {
	return func(m *Model) { m.copy = fn }
}

type Model struct {
	cfg     config.Config
	wall    Wall
	devices Devices
	copy    func(string) error
	logger  zerolog.Logger
	changed chan struct{}

	keys keyMap
	help help.Model

	focus    pane
	list     []model.Device
	expanded map[string]bool
	treeSel  int
	state    wall.State
	cellSel  int
	width    int
	height   int
	message  string
	err      error
}

func New(cfg config.Config, w Wall, devices Devices, logger zerolog.Logger, opts ...Option) Model {
	m := Model{
		cfg:      cfg,
		wall:     w,
		devices:  devices,
		copy:     clipboard.WriteAll,
		logger:   logger.With().Str("component", "tui").Logger(),
		changed:  make(chan struct{}, 1),
		keys:     defaultKeyMap(),
		help:     help.New(),
		expanded: map[string]bool{},
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Subscribe forwards catalog changes into the program. The returned func
// detaches it.
func (m Model) Subscribe() func() {
	return m.devices.Subscribe(func() {
		select {
		case m.changed <- struct{}{}:
		default:
		}
	})
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchState, m.fetchDevices, m.waitCatalog, m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.cfg.TUIRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) waitCatalog() tea.Msg {
	<-m.changed
	return catalogMsg{}
}

func (m Model) fetchState() tea.Msg {
	ctx, cancel := m.commandContext()
	defer cancel()
	st, err := m.wall.State(ctx)
	return stateMsg{state: st, err: err}
}

func (m Model) fetchDevices() tea.Msg {
	ctx, cancel := m.commandContext()
	defer cancel()
	list, err := m.devices.List(ctx)
	return devicesMsg{devices: list, err: err}
}

func (m Model) commandContext() (context.Context, context.CancelFunc) {
	timeout := m.cfg.CommandTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return context.WithTimeout(context.Background(), timeout)
}

// act runs fn off the update loop and reports its outcome as an actionMsg.
func (m Model) act(fn func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.commandContext()
		defer cancel()
		text, err := fn(ctx)
		return actionMsg{text: text, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.fetchState, m.tick())
	case catalogMsg:
		return m, tea.Batch(m.fetchDevices, m.waitCatalog)
	case stateMsg:
		if msg.err != nil {
			if errors.Is(msg.err, wall.ErrClosed) {
				return m, tea.Quit
			}
			m.err = msg.err
			return m, nil
		}
		m.state = msg.state
		m.clampCell()
		return m, nil
	case devicesMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.list = msg.devices
		m.clampTree()
		return m, nil
	case actionMsg:
		m.message = msg.text
		m.err = msg.err
		if msg.err != nil {
			m.logger.Warn().Err(msg.err).Msg("action failed")
		}
		return m, m.fetchState
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	case key.Matches(msg, m.keys.Pane):
		if m.focus == paneTree {
			m.focus = paneGrid
		} else {
			m.focus = paneTree
		}
		return m, nil
	case key.Matches(msg, m.keys.Split):
		n := splitKeys[msg.String()]
		return m, m.act(func(ctx context.Context) (string, error) {
			if err := m.wall.SetSplit(ctx, n); err != nil {
				return "", err
			}
			return fmt.Sprintf("split %d", n), nil
		})
	case key.Matches(msg, m.keys.StopAll):
		return m, m.act(func(ctx context.Context) (string, error) {
			return "stopped all cells", m.wall.StopAll(ctx)
		})
	case key.Matches(msg, m.keys.Stop):
		i := m.cellSel
		return m, m.act(func(ctx context.Context) (string, error) {
			return fmt.Sprintf("stopped #%d", i+1), m.wall.StopOne(ctx, i)
		})
	case key.Matches(msg, m.keys.Restart):
		i := m.cellSel
		return m, m.act(func(ctx context.Context) (string, error) {
			return fmt.Sprintf("restarting #%d", i+1), m.wall.RestartOne(ctx, i)
		})
	case key.Matches(msg, m.keys.CopyURL):
		i := m.cellSel
		return m, m.act(func(ctx context.Context) (string, error) {
			u, err := m.wall.CellURL(ctx, i)
			if err != nil {
				return "", err
			}
			if err := m.copy(u); err != nil {
				return "", fmt.Errorf("copy url: %w", err)
			}
			return "copied " + u, nil
		})
	case key.Matches(msg, m.keys.Snapshot):
		i := m.cellSel
		return m, m.act(func(ctx context.Context) (string, error) {
			path, err := m.wall.Snapshot(ctx, i)
			if err != nil {
				return "", err
			}
			return "saved " + path, nil
		})
	}
	if m.focus == paneTree {
		return m.handleTreeKey(msg)
	}
	return m.handleGridKey(msg)
}

func (m Model) handleTreeKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	nodes := m.nodes()
	if len(nodes) == 0 {
		return m, nil
	}
	cur := nodes[m.treeSel]
	switch {
	case key.Matches(msg, m.keys.Up):
		if m.treeSel > 0 {
			m.treeSel--
		}
	case key.Matches(msg, m.keys.Down):
		if m.treeSel < len(nodes)-1 {
			m.treeSel++
		}
	case key.Matches(msg, m.keys.Right):
		if !cur.isChan {
			m.expanded[cur.device.ID] = true
		}
	case key.Matches(msg, m.keys.Left):
		if cur.isChan {
			// jump back to the owning device row
			for i := m.treeSel; i >= 0; i-- {
				if !nodes[i].isChan {
					m.treeSel = i
					break
				}
			}
			return m, nil
		}
		delete(m.expanded, cur.device.ID)
	case key.Matches(msg, m.keys.Enter):
		if cur.isChan {
			u := cur.channel.URL
			label := fmt.Sprintf("%s %s", cur.device.Name, cur.channel.Label)
			return m, m.act(func(ctx context.Context) (string, error) {
				return "playing " + label, m.wall.PlayStreams(ctx, []string{u})
			})
		}
		d := cur.device
		return m, m.act(func(ctx context.Context) (string, error) {
			res, err := m.wall.PlayDeviceAllChannels(ctx, d)
			text := fmt.Sprintf("playing %s: %d/%d channels", res.Device, res.Bound, res.Channels)
			var loginErr *wall.LoginFailure
			if errors.As(err, &loginErr) {
				return "", fmt.Errorf("login to %s failed with code %d", d.Name, loginErr.Code)
			}
			return text, err
		})
	}
	return m, nil
}

func (m Model) handleGridKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	visible := m.state.Visible()
	if len(visible) == 0 {
		return m, nil
	}
	pos := 0
	for i, c := range visible {
		if c.Index == m.cellSel {
			pos = i
			break
		}
	}
	cols := m.gridCols()
	switch {
	case key.Matches(msg, m.keys.Left):
		if pos%cols > 0 {
			pos--
		}
	case key.Matches(msg, m.keys.Right):
		if pos%cols < cols-1 && pos+1 < len(visible) {
			pos++
		}
	case key.Matches(msg, m.keys.Up):
		if pos-cols >= 0 {
			pos -= cols
		}
	case key.Matches(msg, m.keys.Down):
		if pos+cols < len(visible) {
			pos += cols
		}
	case key.Matches(msg, m.keys.Enter):
		i := m.cellSel
		return m, m.act(func(ctx context.Context) (string, error) {
			return "", m.wall.ToggleZoom(ctx, i)
		})
	}
	m.cellSel = visible[pos].Index
	return m, nil
}

func (m Model) gridCols() int {
	if m.state.Zoomed || m.state.Side < 1 {
		return 1
	}
	return m.state.Side
}

// nodes flattens the device tree. Channel rows appear only under expanded
// devices.
func (m Model) nodes() []treeNode {
	out := make([]treeNode, 0, len(m.list))
	for _, d := range m.list {
		out = append(out, treeNode{device: d})
		if !m.expanded[d.ID] {
			continue
		}
		for _, ch := range catalog.ChannelsOf(d) {
			out = append(out, treeNode{device: d, channel: ch, isChan: true})
		}
	}
	return out
}

func (m *Model) clampTree() {
	n := len(m.nodes())
	if m.treeSel >= n {
		m.treeSel = n - 1
	}
	if m.treeSel < 0 {
		m.treeSel = 0
	}
}

// clampCell keeps the selection on a visible cell.
func (m *Model) clampCell() {
	visible := m.state.Visible()
	if len(visible) == 0 {
		m.cellSel = 0
		return
	}
	for _, c := range visible {
		if c.Index == m.cellSel {
			return
		}
	}
	m.cellSel = visible[0].Index
}

// Run shows the wall until the user quits or ctx ends.
func Run(ctx context.Context, m Model) error {
	unsubscribe := m.Subscribe()
	defer unsubscribe()
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run tui: %w", err)
	}
	return nil
}
