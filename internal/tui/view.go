package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/g960059/wallmux/internal/model"
	"github.com/g960059/wallmux/internal/surface"
	"github.com/g960059/wallmux/internal/wall"
)

const (
	treeWidth     = 30
	defaultWidth  = 120
	defaultHeight = 40
)

var (
	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("241"))

	paneFocusedStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("99"))

	cellStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("241"))

	cellSelectedStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder()).
				BorderForeground(lipgloss.Color("212"))

	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	dotHealthy = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
	dotFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("●")
	dotUnknown = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("●")
)

func statusDot(h model.Health) string {
	switch h {
	case model.HealthHealthy:
		return dotHealthy
	case model.HealthFailed:
		return dotFailed
	default:
		return dotUnknown
	}
}

func deviceDot(d model.Device) string {
	switch {
	case d.Health == model.DeviceHealthDown:
		return dotFailed
	case d.Online:
		return dotHealthy
	default:
		return dotUnknown
	}
}

func (m Model) View() string {
	width, height := m.width, m.height
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}
	footer := m.renderFooter(width)
	bodyHeight := height - lipgloss.Height(footer)
	if bodyHeight < 6 {
		bodyHeight = 6
	}

	tree := m.renderTree(treeWidth-2, bodyHeight-2)
	grid := m.renderGrid(width-treeWidth-2, bodyHeight-2)

	treeBox, gridBox := paneStyle, paneStyle
	if m.focus == paneTree {
		treeBox = paneFocusedStyle
	} else {
		gridBox = paneFocusedStyle
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		treeBox.Width(treeWidth-2).Height(bodyHeight-2).Render(tree),
		gridBox.Width(width-treeWidth-2).Height(bodyHeight-2).Render(grid),
	)
	return lipgloss.JoinVertical(lipgloss.Left, body, footer)
}

func (m Model) renderTree(width, height int) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Devices"))
	b.WriteString("\n")
	nodes := m.nodes()
	if len(nodes) == 0 {
		b.WriteString(mutedStyle.Render("no devices"))
		return b.String()
	}
	// keep the selection in view
	rows := height - 1
	start := 0
	if rows > 0 && m.treeSel >= rows {
		start = m.treeSel - rows + 1
	}
	for i := start; i < len(nodes) && i-start < rows; i++ {
		n := nodes[i]
		var line string
		if n.isChan {
			line = "    " + n.channel.Label
		} else {
			arrow := "▸"
			if m.expanded[n.device.ID] {
				arrow = "▾"
			}
			line = fmt.Sprintf("%s %s %s", arrow, deviceDot(n.device), n.device.Name)
		}
		line = truncate(line, width)
		if i == m.treeSel {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderGrid(width, height int) string {
	visible := m.state.Visible()
	if len(visible) == 0 {
		return mutedStyle.Render("wall is empty")
	}
	cols := m.gridCols()
	rows := (len(visible) + cols - 1) / cols
	cellW := width / cols
	cellH := height / rows
	if cellW < 8 {
		cellW = 8
	}
	if cellH < 3 {
		cellH = 3
	}
	lines := make([]string, 0, rows)
	for r := 0; r < rows; r++ {
		row := make([]string, 0, cols)
		for c := 0; c < cols; c++ {
			i := r*cols + c
			if i >= len(visible) {
				break
			}
			row = append(row, m.renderCell(visible[i], cellW, cellH))
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, row...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// renderCell draws one bordered cell of outer size w x h: a header line and
// the latest frame below it.
func (m Model) renderCell(c wall.CellView, w, h int) string {
	innerW, innerH := w-2, h-2
	header := truncate(fmt.Sprintf("#%d %s %s", c.Index+1, statusDot(c.Health), cellLabel(c)), innerW)
	body := []string{header}
	if innerH > 1 {
		body = append(body, frameLines(c.Surface, innerW, innerH-1)...)
	}
	style := cellStyle
	if c.Index == m.cellSel && m.focus == paneGrid {
		style = cellSelectedStyle
	}
	return style.Width(innerW).Height(innerH).Render(strings.Join(body, "\n"))
}

func frameLines(s *surface.Surface, cols, rows int) []string {
	if s == nil {
		return nil
	}
	img, _ := s.Latest()
	return surface.RenderHalfBlocks(img, cols, rows)
}

func cellLabel(c wall.CellView) string {
	switch c.Binding {
	case model.BindingStream:
		return c.URL
	case model.BindingChannel:
		return fmt.Sprintf("ch %d", c.Channel)
	default:
		if c.URL != "" {
			return mutedStyle.Render("stopped")
		}
		return ""
	}
}

func (m Model) renderFooter(width int) string {
	status := m.state.Caption
	if len(m.state.RetryPending) > 0 {
		status += fmt.Sprintf("  retrying %d", len(m.state.RetryPending))
	}
	if m.err != nil {
		status += "  " + errorStyle.Render(m.err.Error())
	} else if m.message != "" {
		status += "  " + m.message
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		truncate(status, width),
		m.help.View(m.keys),
	)
}

func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	return lipgloss.NewStyle().MaxWidth(width).Render(s)
}
