// Package ui is the terminal foreground surface: a live view of the shared
// state with shortcuts for the common writes.
package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/jonboulle/clockwork"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
	"github.com/eliteGoblin/focusd/flowagent/internal/usecase"
)

// Backend is what the screen reads and writes through. *usecase.Client
// satisfies it.
type Backend interface {
	GetState(ctx context.Context, keys ...string) (map[string]any, error)
	UpdateState(ctx context.Context, patch domain.Patch) (domain.Delta, error)
	StartSession(ctx context.Context, task string, interval time.Duration) (domain.Delta, error)
	EndSession(ctx context.Context) (domain.Delta, error)
	Subscribe(ctx context.Context, fn func(domain.Delta)) (func(), error)
}

// Options configures the UI.
type Options struct {
	Context context.Context
	Backend Backend
	Clock   clockwork.Clock
	Tick    time.Duration // Countdown refresh

	// ServeHost, when set, is called with a renderer that draws into this
	// screen, so the controller can show countdowns and messages here.
	ServeHost func(ctx context.Context, r domain.Renderer) error
}

type prompt int

const (
	promptNone prompt = iota
	promptTask
	promptSite
)

type (
	stateMsg  map[string]any
	deltaMsg  domain.Delta
	errMsg    struct{ err error }
	tickMsg   time.Time
	actionMsg domain.Delta

	// HostCountdownMsg carries countdown text pushed by the controller.
	HostCountdownMsg string
	// HostMessageMsg carries a message pushed by the controller.
	HostMessageMsg string
)

// Model is the watch screen.
type Model struct {
	ctx     context.Context
	backend Backend
	clock   clockwork.Clock
	tick    time.Duration

	keys   keyMap
	help   help.Model
	styles styles
	input  textinput.Model
	prompt prompt

	fields        map[string]any
	state         domain.State
	loaded        bool
	hostCountdown string
	message       string
	err           error
	width         int
}

// New creates the watch model.
func New(opts Options) Model {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = time.Second
	}

	input := textinput.New()
	input.CharLimit = schema.MaxTaskLength

	return Model{
		ctx:     ctx,
		backend: opts.Backend,
		clock:   clock,
		tick:    tick,
		keys:    DefaultKeyMap(),
		help:    help.New(),
		styles:  defaultStyles(),
		input:   input,
		fields:  make(map[string]any),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchState(), tickCmd(m.tick))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.prompt != promptNone {
			return m.handlePromptKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case stateMsg:
		m.fields = map[string]any(msg)
		m.loaded = true
		m.refreshState()
		return m, nil

	case deltaMsg:
		m.merge(domain.Delta(msg))
		return m, nil

	case actionMsg:
		m.err = nil
		m.merge(domain.Delta(msg))
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil

	case tickMsg:
		return m, tickCmd(m.tick)

	case HostCountdownMsg:
		m.hostCountdown = string(msg)
		return m, nil

	case HostMessageMsg:
		m.message = string(msg)
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Focus):
		return m.openPrompt(promptTask, "what are you working on? ")
	case key.Matches(msg, m.keys.AddSite):
		return m.openPrompt(promptSite, "site to flag: ")
	case key.Matches(msg, m.keys.Stop):
		return m, m.action(func(ctx context.Context) (domain.Delta, error) {
			return m.backend.EndSession(ctx)
		})
	case key.Matches(msg, m.keys.Gate):
		return m, m.toggle(schema.KeyDistractionGateEnabled, m.state.DistractionGateEnabled)
	case key.Matches(msg, m.keys.Nudges):
		return m, m.toggle(schema.KeyWellbeingNudgesEnabled, m.state.WellbeingNudgesEnabled)
	case key.Matches(msg, m.keys.Exercise):
		return m, m.toggle(schema.KeyExerciseNudgesEnabled, m.state.ExerciseNudgesEnabled)
	case key.Matches(msg, m.keys.Refresh):
		return m, m.fetchState()
	}
	return m, nil
}

func (m Model) openPrompt(p prompt, label string) (tea.Model, tea.Cmd) {
	m.prompt = p
	m.input.Prompt = label
	m.input.SetValue("")
	return m, m.input.Focus()
}

func (m Model) handlePromptKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Cancel):
		m.prompt = promptNone
		m.input.Blur()
		return m, nil
	case key.Matches(msg, m.keys.Confirm):
		value := strings.TrimSpace(m.input.Value())
		p := m.prompt
		m.prompt = promptNone
		m.input.Blur()
		if value == "" {
			return m, nil
		}
		if p == promptTask {
			return m, m.action(func(ctx context.Context) (domain.Delta, error) {
				return m.backend.StartSession(ctx, value, 0)
			})
		}
		sites := append(append([]string(nil), m.state.DistractingSites...), value)
		return m, m.action(func(ctx context.Context) (domain.Delta, error) {
			return m.backend.UpdateState(ctx, domain.Patch{schema.KeyDistractingSites: sites})
		})
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) toggle(field string, current bool) tea.Cmd {
	return m.action(func(ctx context.Context) (domain.Delta, error) {
		return m.backend.UpdateState(ctx, domain.Patch{field: !current})
	})
}

func (m Model) action(fn func(ctx context.Context) (domain.Delta, error)) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		delta, err := fn(ctx)
		if err != nil {
			return errMsg{err}
		}
		return actionMsg(delta)
	}
}

func (m Model) fetchState() tea.Cmd {
	ctx, backend := m.ctx, m.backend
	return func() tea.Msg {
		fields, err := backend.GetState(ctx)
		if err != nil {
			return errMsg{err}
		}
		return stateMsg(fields)
	}
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) merge(delta domain.Delta) {
	for k, v := range delta {
		m.fields[k] = v
	}
	m.refreshState()
}

// refreshState decodes the loose field map into a State.
func (m *Model) refreshState() {
	raw, err := json.Marshal(m.fields)
	if err != nil {
		m.err = err
		return
	}
	var s domain.State
	if err := json.Unmarshal(raw, &s); err != nil {
		m.err = fmt.Errorf("unexpected state shape: %w", err)
		return
	}
	m.state = s
}

// State returns the decoded state the screen is showing.
func (m Model) State() domain.State {
	return m.state
}

// View implements tea.Model.
func (m Model) View() string {
	st := m.styles
	var b strings.Builder
	b.WriteString(st.Title.Render("flowagent") + "\n\n")

	if !m.loaded {
		b.WriteString(st.Muted.Render("loading state...") + "\n")
		return b.String()
	}

	now := m.clock.Now()
	s := m.state
	rows := []string{m.row("focus", m.focusLine(now))}
	rows = append(rows,
		m.row("gate", onOff(st, s.DistractionGateEnabled)),
		m.row("nudges", onOff(st, s.WellbeingNudgesEnabled)),
		m.row("exercise", m.exerciseLine(now)),
		m.row("today", fmt.Sprintf("%d pushups  %d squats  %d stretches", s.PushupCount, s.SquatCount, s.StretchCount)),
		m.row("sites", m.sitesLine()),
	)
	b.WriteString(st.Panel.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)) + "\n")

	if m.message != "" {
		b.WriteString(st.Message.Render(m.message) + "\n")
	}
	if m.err != nil {
		b.WriteString(st.Error.Render("error: "+m.err.Error()) + "\n")
	}
	if m.prompt != promptNone {
		b.WriteString(m.input.View() + "\n")
	}
	b.WriteString("\n" + m.help.View(m.keys))
	return b.String()
}

func (m Model) row(label, value string) string {
	return m.styles.Label.Render(label) + value
}

func (m Model) focusLine(now time.Time) string {
	st := m.styles
	s := m.state
	if !s.IsInFlow {
		return st.Muted.Render("idle")
	}
	line := st.Active.Render("in flow") + "  " + s.Task
	countdown := m.hostCountdown
	if s.ExpectedEndTime != nil {
		countdown = usecase.FormatCountdown(time.UnixMilli(*s.ExpectedEndTime).Sub(now))
	}
	if countdown != "" {
		line += "  " + st.Clock.Render(countdown)
	}
	return line
}

func (m Model) exerciseLine(now time.Time) string {
	st := m.styles
	s := m.state
	if !s.ExerciseNudgesEnabled {
		return onOff(st, false)
	}
	switch {
	case s.ExerciseRemainingMs != nil:
		return onOff(st, true) + st.Muted.Render(fmt.Sprintf("  paused, %s left",
			usecase.FormatCountdown(time.Duration(*s.ExerciseRemainingMs)*time.Millisecond)))
	case s.ExerciseNextTime != nil:
		return onOff(st, true) + "  next in " +
			st.Clock.Render(usecase.FormatCountdown(time.UnixMilli(*s.ExerciseNextTime).Sub(now)))
	}
	return onOff(st, true)
}

func (m Model) sitesLine() string {
	if len(m.state.DistractingSites) == 0 {
		return m.styles.Muted.Render("none flagged")
	}
	return strings.Join(m.state.DistractingSites, ", ")
}

func onOff(st styles, on bool) string {
	if on {
		return st.Active.Render("on")
	}
	return st.Muted.Render("off")
}

// Run starts the program and feeds it live updates until the user quits.
func Run(opts Options) error {
	ctx, cancel := context.WithCancel(opts.Context)
	defer cancel()
	opts.Context = ctx

	p := tea.NewProgram(New(opts), tea.WithAltScreen(), tea.WithContext(ctx))

	unsubscribe, err := opts.Backend.Subscribe(ctx, func(d domain.Delta) {
		p.Send(deltaMsg(d))
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to updates: %w", err)
	}
	defer unsubscribe()

	if opts.ServeHost != nil {
		if err := opts.ServeHost(ctx, NewHost(p)); err != nil {
			return fmt.Errorf("failed to attach host: %w", err)
		}
	}

	_, err = p.Run()
	return err
}
