// This file implements the live campaign view using bubbletea.
package main

import (
	"fmt"
	"strings"

	"redforge/internal/events"
	"redforge/internal/pipeline"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var watchSeed int64

var watchCmd = &cobra.Command{
	Use:   "watch [campaign-id]",
	Short: "Run a campaign with a live phase-event view",
	Long: `Runs the pipeline for the given campaign while streaming its
lifecycle events into a scrolling terminal view. Quitting the view
cancels the run; an interrupted campaign resumes from its last
persisted artifact on the next run.`,
	Args: cobra.ExactArgs(1),
	RunE: watchCampaign,
}

func init() {
	watchCmd.Flags().Int64Var(&watchSeed, "seed", 0, "Seed for the exploit framing rotation (0 = time-based)")
}

func watchCampaign(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sub := a.bus.Subscribe(256)
	defer sub.Close()

	p := tea.NewProgram(
		newWatchModel(args[0], sub),
		tea.WithContext(ctx),
	)

	// The bus is in-process, so the watched campaign runs here too.
	go func() {
		outcome, err := a.pipeline.Run(ctx, args[0], pipeline.RunOptions{Seed: watchSeed})
		p.Send(runFinishedMsg{outcome: outcome, err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return err
	}
	m, ok := final.(watchModel)
	if !ok {
		return nil
	}
	if m.runErr != nil {
		return m.runErr
	}
	if m.outcome != nil {
		printOutcome(m.outcome)
	}
	return nil
}

type watchStyles struct {
	header    lipgloss.Style
	timestamp lipgloss.Style
	progress  lipgloss.Style
	completed lipgloss.Style
	failed    lipgloss.Style
	footer    lipgloss.Style
}

func newWatchStyles() watchStyles {
	return watchStyles{
		header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		timestamp: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		progress:  lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		completed: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		footer:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// Messages for tea updates
type (
	eventMsg        events.Event
	eventsClosedMsg struct{}
	runFinishedMsg  struct {
		outcome *pipeline.Outcome
		err     error
	}
)

// watchModel renders campaign lifecycle events as they arrive.
type watchModel struct {
	campaignID string
	sub        *events.Subscription

	spinner  spinner.Model
	viewport viewport.Model
	styles   watchStyles

	lines   []string
	done    bool
	outcome *pipeline.Outcome
	runErr  error

	width  int
	height int
	ready  bool
}

func newWatchModel(campaignID string, sub *events.Subscription) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return watchModel{
		campaignID: campaignID,
		sub:        sub,
		spinner:    sp,
		styles:     newWatchStyles(),
	}
}

func waitForEvent(sub *events.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Events()
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.sub))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		headerHeight := 2
		footerHeight := 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()

	case eventMsg:
		m.lines = append(m.lines, m.formatEvent(events.Event(msg)))
		if m.ready {
			m.viewport.SetContent(strings.Join(m.lines, "\n"))
			m.viewport.GotoBottom()
		}
		return m, waitForEvent(m.sub)

	case eventsClosedMsg:
		// No more events; wait for the run result.
		return m, nil

	case runFinishedMsg:
		m.done = true
		m.outcome = msg.outcome
		m.runErr = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m watchModel) formatEvent(ev events.Event) string {
	style := m.styles.progress
	switch ev.Type {
	case events.TypePhaseCompleted, events.TypeCampaignDone:
		style = m.styles.completed
	case events.TypePhaseFailed:
		style = m.styles.failed
	}

	ts := m.styles.timestamp.Render(ev.Timestamp.Format("15:04:05"))
	phase := ""
	if ev.Phase != "" {
		phase = string(ev.Phase) + " "
	}
	return fmt.Sprintf("%s %s", ts, style.Render(phase+string(ev.Type)+": "+ev.Message))
}

func (m watchModel) View() string {
	if !m.ready {
		return "Starting...\n"
	}

	header := m.styles.header.Render(fmt.Sprintf("redforge watch %s", m.campaignID))
	footer := m.styles.footer.Render("q to quit")
	if !m.done {
		footer = fmt.Sprintf("%s %s", m.spinner.View(), m.styles.footer.Render("running (q cancels)"))
	}
	return fmt.Sprintf("%s\n\n%s\n\n%s", header, m.viewport.View(), footer)
}
