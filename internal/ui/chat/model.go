// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/morganforge/ragchat/internal/api"
	"github.com/morganforge/ragchat/internal/history"
	"github.com/morganforge/ragchat/internal/model"
	"github.com/morganforge/ragchat/internal/session"
	"github.com/morganforge/ragchat/internal/ui/styles"
)

// =============================================================================
// CHAT MODEL
// =============================================================================

// Options configures the chat view.
type Options struct {
	// Client is used for the widget greeting fetch; nil skips it.
	Client *api.Client

	// History is the optional local replay cache; nil disables caching.
	History *history.Store

	// Scope partitions cached conversations (identity scope).
	Scope string

	// Title is the initial header title, replaced by the widget title
	// when one is configured server-side.
	Title string

	// Theme is "dark", "light", or "auto".
	Theme string

	// Markdown renders settled assistant replies through glamour.
	Markdown bool

	// Compact drops the blank line between messages.
	Compact bool
}

// Model is the Bubble Tea model for the chat view.
type Model struct {
	session *session.Manager
	client  *api.Client
	history *history.Store
	opts    Options

	theme    *styles.Theme
	keys     KeyMap
	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	// events carries session callback notifications into the Update loop
	events chan tea.Msg
	buffer *StreamingBuffer

	// cancelSend aborts the in-flight turn; nil when idle
	cancelSend context.CancelFunc

	width, height int
	ready         bool

	turnState model.TurnState
	streaming bool
	accum     string // flushed streaming text for the live reply bubble
	lastSent  string // for ctrl+r retry after an error

	greeting string
	title    string
	errText  string
	warnText string
}

// New creates the chat view bound to a session manager.
func New(sess *session.Manager, opts Options) *Model {
	ta := textarea.New()
	ta.Placeholder = "Type a message..."
	ta.Prompt = "> "
	ta.CharLimit = 4000
	ta.SetHeight(1)
	ta.ShowLineNumbers = false
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	title := opts.Title
	if title == "" {
		title = "ragchat"
	}

	m := &Model{
		session:   sess,
		client:    opts.Client,
		history:   opts.History,
		opts:      opts,
		theme:     styles.NewThemeWithMode(opts.Theme),
		keys:      DefaultKeyMap(),
		textarea:  ta,
		spinner:   sp,
		events:    make(chan tea.Msg, 64),
		buffer:    NewStreamingBuffer(),
		turnState: sess.State(),
		title:     title,
	}
	m.spinner.Style = m.theme.Spinner

	sess.SetOnFragment(m.buffer.Write)
	sess.SetOnStateChange(func(state model.TurnState) {
		m.post(TurnStateMsg{State: state})
	})
	sess.SetOnAuthExpired(func() {
		m.post(AuthExpiredMsg{})
	})
	sess.SetOnPacingWarning(func() {
		m.post(PacingWarningMsg{})
	})

	return m
}

// post delivers a session event without ever blocking the stream goroutine.
func (m *Model) post(msg tea.Msg) {
	select {
	case m.events <- msg:
	default:
	}
}

// waitForEvent returns the next session event as a Bubble Tea message.
func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		return <-m.events
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		textarea.Blink,
		m.waitForEvent(),
	}
	if m.client != nil && m.client.Mode() == api.ModeWidget {
		cmds = append(cmds, m.fetchGreetingCmd())
	}
	return tea.Batch(cmds...)
}

// fetchGreetingCmd loads the widget configuration (title, greeting).
func (m *Model) fetchGreetingCmd() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		cfg, err := client.FetchWidgetConfig(context.Background())
		if err != nil {
			return ErrMsg{Err: err}
		}
		return GreetingMsg{Config: cfg}
	}
}

// sendCmd runs a full turn in the background.
func (m *Model) sendCmd(ctx context.Context, content string) tea.Cmd {
	sess := m.session
	return func() tea.Msg {
		return TurnDoneMsg{Err: sess.Send(ctx, content)}
	}
}

// saveHistoryCmd mirrors the settled transcript into the local cache.
func (m *Model) saveHistoryCmd() tea.Cmd {
	store, scope, sess := m.history, m.opts.Scope, m.session
	if store == nil {
		return nil
	}
	return func() tea.Msg {
		tr := sess.Transcript()
		if tr.ConversationID == "" {
			return nil
		}
		return HistorySavedMsg{Err: store.SaveTranscript(context.Background(), scope, tr)}
	}
}

// =============================================================================
// UPDATE
// =============================================================================

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg)

	case tea.KeyMsg:
		return m.handleKey(msg)

	case TurnStateMsg:
		m.turnState = msg.State
		if msg.State == model.TurnStreaming && !m.streaming {
			m.streaming = true
			m.refreshViewport()
			return m, tea.Batch(m.waitForEvent(), streamTickCmd())
		}
		m.refreshViewport()
		return m, m.waitForEvent()

	case StreamTickMsg:
		if chunk, ok := m.buffer.Flush(); ok {
			m.accum += chunk
			m.refreshViewport()
		}
		if m.streaming {
			return m, streamTickCmd()
		}
		return m, nil

	case TurnDoneMsg:
		return m.handleTurnDone(msg)

	case AuthExpiredMsg:
		m.errText = "Session expired. Run `ragchat login` to sign in again."
		m.refreshViewport()
		return m, m.waitForEvent()

	case PacingWarningMsg:
		m.warnText = "Sending quickly; the server may rate limit you."
		return m, m.waitForEvent()

	case GreetingMsg:
		if msg.Config.WidgetTitle != "" {
			m.title = msg.Config.WidgetTitle
		}
		m.greeting = msg.Config.GreetingMessage
		m.refreshViewport()
		return m, nil

	case HistorySavedMsg:
		if msg.Err != nil {
			m.warnText = "Could not update local history."
		}
		return m, nil

	case ConfigReloadedMsg:
		m.opts.Markdown = msg.Markdown
		m.opts.Compact = msg.Compact
		m.theme = styles.NewThemeWithMode(msg.Theme)
		m.theme.Resize(m.width, m.height)
		m.spinner.Style = m.theme.Spinner
		m.refreshViewport()
		return m, nil

	case ErrMsg:
		m.warnText = msg.Err.Error()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.streaming || m.turnState == model.TurnAwaitingReply {
			m.refreshViewport()
			return m, cmd
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	return m, cmd
}

func (m *Model) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height
	m.theme.Resize(msg.Width, msg.Height)

	chromeHeight := headerHeight + inputHeight + statusHeight
	vpHeight := msg.Height - chromeHeight
	if vpHeight < 1 {
		vpHeight = 1
	}

	if !m.ready {
		m.viewport = viewport.New(msg.Width, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = msg.Width
		m.viewport.Height = vpHeight
	}
	m.textarea.SetWidth(msg.Width - 4)

	// Glamour wraps at render time, so the renderer is rebuilt per width
	wrap := msg.Width - 4
	if wrap < 20 {
		wrap = 20
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrap),
	)
	if err == nil {
		m.renderer = renderer
	}

	m.refreshViewport()
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.cancelSend != nil {
			m.cancelSend()
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Cancel):
		if m.cancelSend != nil && (m.streaming || m.turnState == model.TurnAwaitingReply) {
			m.cancelSend()
		}
		return m, nil

	case key.Matches(msg, m.keys.Submit):
		return m.submit(m.textarea.Value())

	case key.Matches(msg, m.keys.Retry):
		if m.turnState == model.TurnErrored && m.lastSent != "" {
			return m.submit(m.lastSent)
		}
		return m, nil

	case key.Matches(msg, m.keys.PageUp):
		m.viewport.HalfViewUp()
		return m, nil
	case key.Matches(msg, m.keys.PageDown):
		m.viewport.HalfViewDown()
		return m, nil
	case key.Matches(msg, m.keys.Home):
		m.viewport.GotoTop()
		return m, nil
	case key.Matches(msg, m.keys.End):
		m.viewport.GotoBottom()
		return m, nil
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	return m, cmd
}

func (m *Model) submit(content string) (tea.Model, tea.Cmd) {
	content = strings.TrimSpace(content)
	if content == "" {
		return m, nil
	}
	if !m.session.CanSend() {
		if m.session.State() == model.TurnRateLimited {
			m.errText = "Rate limited by the server. Sending is disabled for this session."
		}
		return m, nil
	}

	m.textarea.Reset()
	m.errText = ""
	m.warnText = ""
	m.accum = ""
	m.buffer.Reset()
	m.lastSent = content

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelSend = cancel

	m.refreshViewport()
	return m, tea.Batch(m.sendCmd(ctx, content), m.waitForEvent(), m.spinner.Tick)
}

func (m *Model) handleTurnDone(msg TurnDoneMsg) (tea.Model, tea.Cmd) {
	if chunk, ok := m.buffer.ForceFlush(); ok {
		m.accum += chunk
	}
	m.streaming = false
	m.accum = ""
	if m.cancelSend != nil {
		m.cancelSend()
		m.cancelSend = nil
	}
	m.turnState = m.session.State()

	if msg.Err != nil {
		m.errText = describeError(msg.Err)
	}
	m.refreshViewport()

	// Cache after every settle and after interruptions, which keep the
	// partial reply in the transcript.
	if cmd := m.saveHistoryCmd(); cmd != nil && m.session.ConversationID() != "" {
		return m, cmd
	}
	return m, nil
}

// describeError maps transport errors to user-facing text.
func describeError(err error) string {
	switch {
	case errors.Is(err, api.ErrRateLimited):
		return "Rate limited by the server. Sending is disabled for this session."
	case errors.Is(err, api.ErrStreamInterrupted):
		return "The reply was interrupted. Partial content is shown above."
	case errors.Is(err, api.ErrAuthExpired):
		return "Session expired. Run `ragchat login` to sign in again."
	case errors.Is(err, api.ErrNetwork):
		return "Could not reach the server. Your message was not sent; press Ctrl+R to retry."
	case errors.Is(err, context.Canceled):
		return "Reply cancelled."
	default:
		var apiErr *api.APIError
		if errors.As(err, &apiErr) {
			return apiErr.Message
		}
		return err.Error()
	}
}
