// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/morganforge/ragchat/internal/model"
	"github.com/morganforge/ragchat/internal/util"
)

// Fixed chrome heights around the viewport
const (
	headerHeight = 1
	inputHeight  = 3
	statusHeight = 1
)

// =============================================================================
// VIEW
// =============================================================================

// View implements tea.Model.
func (m *Model) View() string {
	if !m.ready {
		return "Connecting..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.renderInput())
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m *Model) renderHeader() string {
	// Widget titles are server-controlled; clamp so a long or wide
	// (CJK) title cannot push the conversation id off screen.
	maxTitle := m.width / 2
	if maxTitle < 12 {
		maxTitle = 12
	}
	title := m.theme.HeaderTitle.Render(util.TruncateWidth(m.title, maxTitle))
	meta := ""
	if id := m.session.ConversationID(); id != "" {
		meta = m.theme.HeaderMeta.Render(" " + id)
	}
	return m.theme.Header.Render(title + meta)
}

func (m *Model) renderInput() string {
	if m.turnState == model.TurnRateLimited {
		return m.theme.InputContainer.Render(
			m.theme.StatusError.Render("Sending disabled: rate limited by the server."))
	}
	return m.theme.InputContainer.Render(m.textarea.View())
}

func (m *Model) renderStatusBar() string {
	var left string
	switch {
	case m.errText != "":
		left = m.theme.StatusError.Render(m.errText)
	case m.warnText != "":
		left = m.theme.StatusWarn.Render(m.warnText)
	default:
		left = m.theme.StatusState.Render(m.stateLabel())
	}

	var help []string
	for _, b := range m.keys.ShortHelp() {
		h := b.Help()
		help = append(help,
			m.theme.ShortcutKey.Render(h.Key)+" "+m.theme.ShortcutDesc.Render(h.Desc))
	}
	right := strings.Join(help, "  ")

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 1 {
		return m.theme.StatusBar.Render(left)
	}
	return m.theme.StatusBar.Render(left + strings.Repeat(" ", gap) + right)
}

func (m *Model) stateLabel() string {
	switch m.turnState {
	case model.TurnAwaitingReply:
		return m.spinner.View() + " waiting for reply"
	case model.TurnStreaming:
		return m.spinner.View() + " streaming"
	case model.TurnErrored:
		return "error (Ctrl+R to retry)"
	case model.TurnRateLimited:
		return "rate limited"
	default:
		return "ready"
	}
}

// =============================================================================
// TRANSCRIPT RENDERING
// =============================================================================

// refreshViewport rebuilds the viewport content and pins to the bottom.
func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m *Model) renderTranscript() string {
	sep := "\n\n"
	if m.opts.Compact {
		sep = "\n"
	}

	var parts []string
	if m.greeting != "" {
		parts = append(parts, m.theme.Greeting.Render(m.greeting))
	}

	for _, msg := range m.session.Messages() {
		// The in-flight reply renders from the flushed buffer below, not
		// from the snapshot, which lags the stream by up to one flush.
		if msg.IsStreaming {
			continue
		}
		parts = append(parts, m.renderMessage(msg))
	}

	switch m.turnState {
	case model.TurnAwaitingReply:
		parts = append(parts, m.theme.ThinkingText.Render(m.spinner.View()+" thinking..."))
	case model.TurnStreaming:
		parts = append(parts, m.renderLiveReply())
	}

	if len(parts) == 0 {
		return m.theme.ThinkingText.Render("Ask anything to get started.")
	}
	return strings.Join(parts, sep)
}

func (m *Model) renderMessage(msg model.Message) string {
	label, bubble := m.theme.AssistantLabel, m.theme.AssistantBubble
	if msg.Role == model.RoleUser {
		label, bubble = m.theme.UserLabel, m.theme.UserBubble
	}

	content := msg.Content
	if msg.Role == model.RoleAssistant && m.opts.Markdown && m.renderer != nil {
		if rendered, err := m.renderer.Render(content); err == nil {
			content = strings.TrimRight(rendered, "\n")
		}
	}

	out := label.Render(msg.Role.DisplayName()) + "\n" + bubble.Render(content)
	if msg.Interrupted {
		out += "\n" + m.theme.Interrupted.Render("[interrupted]")
	}
	return out
}

// renderLiveReply shows the streaming reply as raw text; markdown is
// applied only once the message settles.
func (m *Model) renderLiveReply() string {
	header := m.theme.AssistantLabel.Render(model.RoleAssistant.DisplayName()) +
		" " + m.spinner.View()
	if m.accum == "" {
		return header
	}
	return header + "\n" + m.theme.AssistantBubble.Render(m.accum)
}

// Title returns the current header title, for tests and the caller.
func (m *Model) Title() string {
	return m.title
}

// StatusLine returns the current status text, for tests.
func (m *Model) StatusLine() string {
	if m.errText != "" {
		return m.errText
	}
	if m.warnText != "" {
		return m.warnText
	}
	return fmt.Sprintf("state: %s", m.turnState)
}
