package ui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// quitTimeout bounds how long Stop waits for the program to exit.
const quitTimeout = 2 * time.Second

// TUIRenderer draws progress with bubbletea. Progress lands in a tracker
// that the model reads on every tick, so updates never wait on the
// program's event loop.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *reindexModel
	tracker *ProgressTracker
	started bool
	done    chan struct{}
}

// NewTUIRenderer fails when the output is not a terminal.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, errors.New("output is not a TTY")
	}

	tracker := NewProgressTracker()
	model := newReindexModel(tracker, cfg.Title)
	if cfg.NoColor || DetectNoColor() {
		model.styles = NoColorStyles()
	}
	model.onInterrupt = cfg.OnInterrupt

	return &TUIRenderer{
		cfg:     cfg,
		tracker: tracker,
		model:   model,
		done:    make(chan struct{}),
	}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}
	r.program = tea.NewProgram(r.model, opts...)
	r.started = true

	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

// UpdateProgress implements Renderer.
func (r *TUIRenderer) UpdateProgress(event ProgressEvent) {
	r.tracker.Apply(event)
}

// AddError implements Renderer.
func (r *TUIRenderer) AddError(event ErrorEvent) {
	r.tracker.AddError(event)
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(stats CompletionStats) {
	r.tracker.Apply(ProgressEvent{Stage: StageComplete, Current: stats.Committed + stats.Failed, Total: stats.Committed + stats.Failed})

	r.mu.Lock()
	program := r.program
	r.mu.Unlock()
	if program != nil {
		program.Send(completeMsg(stats))
	}
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	program := r.program
	r.mu.Unlock()

	if program == nil {
		return nil
	}
	program.Quit()
	select {
	case <-r.done:
	case <-time.After(quitTimeout):
	}
	return nil
}

type completeMsg CompletionStats

type tickMsg time.Time

// reindexModel is the bubbletea model for a reindex run.
type reindexModel struct {
	tracker     *ProgressTracker
	title       string
	width       int
	quitting    bool
	complete    bool
	stats       CompletionStats
	spinner     spinner.Model
	bar         progress.Model
	styles      Styles
	onInterrupt func()
}

func newReindexModel(tracker *ProgressTracker, title string) *reindexModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime))

	return &reindexModel{
		tracker: tracker,
		title:   title,
		width:   80,
		spinner: s,
		bar: progress.New(
			progress.WithSolidFill(ColorLime),
			progress.WithWidth(50),
			progress.WithoutPercentage(),
		),
		styles: DefaultStyles(),
	}
}

// Init implements tea.Model.
func (m *reindexModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m *reindexModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			if m.onInterrupt != nil {
				m.onInterrupt()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-20, 20)

	case completeMsg:
		m.complete = true
		m.stats = CompletionStats(msg)
		return m, tea.Quit

	case tickMsg:
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *reindexModel) View() string {
	if m.quitting {
		return "Interrupted; waiting for queued batches.\n"
	}
	if m.complete {
		return m.renderComplete()
	}

	width := max(m.width-4, 40)
	stats := m.tracker.Stats()
	divider := m.styles.Dim.Render(strings.Repeat("─", width))

	sections := []string{m.renderStages(stats.Stage), divider, m.renderProgress(stats), m.renderSpeed(stats)}
	if stats.Document != "" {
		sections = append(sections, divider, m.styles.Dim.Render(truncate(stats.Document, width-2)))
	}

	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.styles.Border).
		Padding(0, 1).
		Width(width)
	return lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Header.Render(m.title),
		panel.Render(strings.Join(sections, "\n")),
	) + "\n" + m.renderStatusBar(stats)
}

func (m *reindexModel) renderStages(current Stage) string {
	var parts []string
	for _, s := range []Stage{StageListing, StageIndexing} {
		switch {
		case s < current:
			parts = append(parts, m.styles.Success.Render("● "+s.String()))
		case s == current:
			parts = append(parts, m.styles.Active.Render(m.spinner.View()+" "+s.String()))
		default:
			parts = append(parts, m.styles.Dim.Render("○ "+s.String()))
		}
	}
	return strings.Join(parts, m.styles.Dim.Render(" → "))
}

func (m *reindexModel) renderProgress(stats ProgressStats) string {
	if stats.Total == 0 {
		return fmt.Sprintf("%s %s...", m.spinner.View(), stats.Stage)
	}
	bar := m.bar.ViewAs(stats.Progress)
	pct := m.styles.Active.Render(fmt.Sprintf("%3.0f%%", stats.Progress*100))
	count := m.styles.Label.Render(fmt.Sprintf("%d / %d tasks", stats.Current, stats.Total))
	return fmt.Sprintf("%s  %s\n%s", bar, pct, count)
}

func (m *reindexModel) renderSpeed(stats ProgressStats) string {
	speed := fmt.Sprintf("Speed: %.0f/s", stats.Speed.Current)
	if stats.Speed.Avg > 0 {
		speed += fmt.Sprintf(" (avg: %.0f, peak: %.0f)", stats.Speed.Avg, stats.Speed.Peak)
	}
	parts := []string{m.styles.Label.Render(speed)}
	if stats.ETA > 0 {
		parts = append(parts, m.styles.Label.Render("ETA: "+formatDuration(stats.ETA)))
	}
	return strings.Join(parts, m.styles.Dim.Render("  •  "))
}

func (m *reindexModel) renderStatusBar(stats ProgressStats) string {
	var parts []string
	if stats.WarnCount > 0 {
		parts = append(parts, m.styles.Warning.Render(fmt.Sprintf("! %d warnings", stats.WarnCount)))
	}
	if stats.ErrorCount > 0 {
		parts = append(parts, m.styles.Error.Render(fmt.Sprintf("✗ %d failed", stats.ErrorCount)))
	}
	parts = append(parts, m.styles.Dim.Render("q to stop"))
	return strings.Join(parts, m.styles.Dim.Render("  │  "))
}

func (m *reindexModel) renderComplete() string {
	lines := []string{
		m.styles.Success.Render("✓ Reindex complete"),
		"",
		fmt.Sprintf("%s %s", m.styles.Label.Render("Committed:"), m.styles.Active.Render(fmt.Sprint(m.stats.Committed))),
		fmt.Sprintf("%s    %s", m.styles.Label.Render("Failed:"), m.styles.Active.Render(fmt.Sprint(m.stats.Failed))),
		fmt.Sprintf("%s  %s", m.styles.Label.Render("Duration:"), m.styles.Active.Render(formatDuration(m.stats.Duration))),
	}
	if len(m.stats.Roles) > 0 {
		lines = append(lines, fmt.Sprintf("%s     %s", m.styles.Label.Render("Roles:"), strings.Join(m.stats.Roles, ", ")))
	}
	if m.stats.Failed > 0 {
		lines = append(lines, "", m.styles.Error.Render(fmt.Sprintf("✗ %d task(s) failed", m.stats.Failed)))
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.styles.Done).
		Padding(1, 2).
		Width(max(m.width-4, 40)).
		Render(strings.Join(lines, "\n")) + "\n"
}

// formatDuration formats a duration in a human-friendly way.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		if s := int(d.Seconds()) % 60; s != 0 {
			return fmt.Sprintf("%dm %ds", int(d.Minutes()), s)
		}
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// truncate keeps the tail of s, where document identifiers differ.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return "..." + s[len(s)-maxLen+3:]
}

var _ Renderer = (*TUIRenderer)(nil)
