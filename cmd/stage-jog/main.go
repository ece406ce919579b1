package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/thorstage/pkg/jog"
	"github.com/gwillem/thorstage/pkg/mcm3000"
)

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // keybinding row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// Jog step sizes in micrometres, cycled with +/-.
var stepSizes = []float64{1, 5, 10, 50, 100, 500}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	posStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	busyStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208"))
)

const positionSeries = "position"

type model struct {
	ctrl     *jog.Controller
	chart    *streamlinechart.Model
	width    int      // terminal width
	height   int      // terminal height
	logs     []string // last N log messages
	quitting bool

	stepIdx    int
	positionUm float64
	pending    bool
	haveSample bool
}

func (m *model) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

func (m *model) step() float64 { return stepSizes[m.stepIdx] }

// Messages from the controller
type stateMsg jog.State
type logMsg string

func waitForState(ctrl *jog.Controller) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ctrl.States())
	}
}

func waitForLog(ctrl *jog.Controller) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ctrl.Logs())
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *model) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20 // default size before we know terminal size
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - legendHeight - footerHeight - borderSize
	if height < 10 {
		height = 10
	}
	return width, height
}

func (m *model) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

func initialModel(ctrl *jog.Controller, lowerUm, upperUm float64) model {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(lowerUm, upperUm),
	)
	style := lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	chart.SetDataSetStyles(positionSeries, runes.ThinLineStyle, style)

	return model{
		ctrl:    ctrl,
		chart:   &chart,
		stepIdx: 2, // 10 um
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.ctrl),
		waitForLog(m.ctrl),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			m.ctrl.Jog(m.step())
		case "down", "j":
			m.ctrl.Jog(-m.step())
		case "+", "=":
			if m.stepIdx < len(stepSizes)-1 {
				m.stepIdx++
			}
		case "-", "_":
			if m.stepIdx > 0 {
				m.stepIdx--
			}
		case "h":
			m.ctrl.Home()
		case "r":
			m.ctrl.Retract()
		case "0":
			m.ctrl.ZeroEncoder()
		}
		return m, nil

	case stateMsg:
		state := jog.State(msg)
		m.positionUm = state.PositionUm
		m.pending = state.Pending
		m.haveSample = true
		m.chart.PushDataSet(positionSeries, state.PositionUm)
		m.chart.DrawAll()
		return m, waitForState(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.ctrl)
	}

	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return "Jog session stopped.\n"
	}

	var sb strings.Builder

	// Header
	sb.WriteString(titleStyle.Render("Stage Jog"))
	sb.WriteString(fmt.Sprintf(" - channel %d, %d Hz", m.ctrl.Label(), m.ctrl.Hz()))
	if m.haveSample {
		if m.pending {
			sb.WriteString(busyStyle.Render(fmt.Sprintf("  %.2f um (moving)", m.positionUm)))
		} else {
			sb.WriteString(posStyle.Render(fmt.Sprintf("  %.2f um", m.positionUm)))
		}
	}
	sb.WriteString(statusStyle.Render(fmt.Sprintf("  step %.0f um", m.step())))
	sb.WriteString("\n\n")

	// Chart
	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	// Keybindings
	sb.WriteString(statusStyle.Render(
		"up/down jog   +/- step size   h home   r retract   0 zero encoder   q quit"))
	sb.WriteString("\n")

	// Log box
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(m.width - 4).
		Foreground(lipgloss.Color("9"))

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("Press 'q' to quit")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func main() {
	var (
		port      = flag.String("port", "", "Serial port, e.g. /dev/ttyUSB0")
		simulated = flag.Bool("simulated", false, "Use the simulated controller")
		stageName = flag.String("stage", string(mcm3000.StageZFM2020), "Stage type on the jogged channel")
		label     = flag.Int("channel", 1, "Channel label to jog")
		reverse   = flag.Bool("reverse", false, "Reverse the motion direction")
		hz        = flag.Int("hz", 10, "Position poll frequency")
	)
	flag.Parse()

	if *port == "" && !*simulated {
		fmt.Fprintln(os.Stderr, "No port specified; use --port or --simulated")
		os.Exit(1)
	}

	stageType := mcm3000.StageType(*stageName)
	if _, ok := mcm3000.SpecFor(stageType); !ok {
		fmt.Fprintf(os.Stderr, "Unsupported stage %q (supported: %v)\n",
			*stageName, mcm3000.SupportedStages())
		os.Exit(1)
	}
	if *label < 1 || *label > mcm3000.NumChannels {
		fmt.Fprintf(os.Stderr, "Channel must be 1..%d\n", mcm3000.NumChannels)
		os.Exit(1)
	}

	cfg := mcm3000.Config{
		Port:      *port,
		Simulated: *simulated,
	}
	cfg.Stages[*label-1] = stageType
	cfg.Reverse[*label-1] = *reverse

	ctrl, err := mcm3000.New(cfg)
	if err != nil {
		log.Fatalf("Failed to open controller: %v", err)
	}
	defer ctrl.Close()

	lowerUm, upperUm, err := ctrl.HardLimitsUm(*label)
	if err != nil {
		log.Fatalf("Failed to read stage limits: %v", err)
	}

	jogCtrl := jog.New(jog.Config{
		Controller: ctrl,
		Label:      *label,
		Hz:         *hz,
	})

	// Start controller in background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := jogCtrl.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("Jog loop error: %v", err)
		}
	}()

	// Run TUI
	p := tea.NewProgram(initialModel(jogCtrl, lowerUm, upperUm), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running program: %v", err)
	}
}
