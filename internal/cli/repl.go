// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// repl.go - plain-mode interactive chat.
//
// The REPL is the no-TUI surface: it reads lines with liner, streams the
// reply by pulling fragments off the reader one at a time, and prints
// them as they arrive. Works on dumb terminals and under script(1).
//
// Interactive commands:
//   /new          Start a new conversation
//   /history      Reprint the transcript (with code highlighting on a TTY)
//   /id           Show the conversation id
//   /quit, /q     Exit
//   Ctrl+C        Cancel the current reply
//   Ctrl+D        Exit
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/morganforge/ragchat/internal/api"
	"github.com/morganforge/ragchat/internal/config"
	"github.com/morganforge/ragchat/internal/identity"
	"github.com/morganforge/ragchat/internal/model"
	"github.com/morganforge/ragchat/internal/stream"
)

// timeRound is the display precision for turn statistics.
const timeRound = time.Millisecond

// =============================================================================
// INPUT HISTORY
// =============================================================================

// InputReader wraps liner with persistent input history.
type InputReader struct {
	line        *liner.State
	historyFile string
}

// NewInputReader creates a line reader with history loaded from the
// config directory.
func NewInputReader() *InputReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	r := &InputReader{
		line:        line,
		historyFile: filepath.Join(configDir, "input_history"),
	}
	if f, err := os.Open(r.historyFile); err == nil {
		r.line.ReadHistory(f)
		f.Close()
	}
	return r
}

// ReadInput reads one line, recording non-empty input in the history.
func (r *InputReader) ReadInput(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close persists history and releases the terminal.
func (r *InputReader) Close() {
	if err := config.EnsureConfigDir(); err == nil {
		// SECURITY: history may contain sensitive prompts; owner-only
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.line.Close()
}

// =============================================================================
// REPL
// =============================================================================

// REPL is the plain-mode chat loop.
type REPL struct {
	client *api.Client
	ids    *identity.Store

	transcript     *model.Transcript
	conversationID string

	input     *InputReader
	highlight bool
	verbose   bool

	out io.Writer
}

// NewREPL creates a plain-mode chat bound to an API client. ids may be
// nil when no identity store is available; credential erasure on expiry
// is then skipped.
func NewREPL(client *api.Client, ids *identity.Store, verbose bool) *REPL {
	return &REPL{
		client:     client,
		ids:        ids,
		transcript: model.NewTranscript(),
		highlight:  IsStdoutTTY(),
		verbose:    verbose,
		out:        os.Stdout,
	}
}

// Resume loads an existing conversation and reprints it.
func (r *REPL) Resume(ctx context.Context, conversationID string) error {
	msgs, err := r.client.ConversationMessages(ctx, conversationID)
	if err != nil {
		return err
	}

	r.transcript = model.NewTranscript()
	r.transcript.ConversationID = conversationID
	r.conversationID = conversationID
	for _, wm := range msgs {
		r.transcript.Restore(&model.Message{
			ID:        wm.ID,
			Role:      model.Role(wm.Role),
			Content:   wm.Content,
			Timestamp: wm.CreatedAt,
		})
	}
	r.printTranscript()
	return nil
}

// Run reads lines and runs turns until the user exits.
func (r *REPL) Run(ctx context.Context) error {
	r.input = NewInputReader()
	defer r.input.Close()

	fmt.Fprintln(r.out, "ragchat - type /quit to exit, Ctrl+C cancels a reply")

	for {
		input, err := r.input.ReadInput("> ")
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(r.out)
			return nil
		}
		if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if done := r.handleCommand(input); done {
				return nil
			}
			continue
		}

		if err := r.runTurn(ctx, input); err != nil {
			fmt.Fprintln(os.Stderr, describeTurnError(err))
		}
	}
}

func (r *REPL) handleCommand(input string) (done bool) {
	switch strings.Fields(input)[0] {
	case "/quit", "/q":
		return true
	case "/new":
		r.transcript = model.NewTranscript()
		r.conversationID = ""
		fmt.Fprintln(r.out, "Started a new conversation.")
	case "/history":
		r.printTranscript()
	case "/id":
		if r.conversationID == "" {
			fmt.Fprintln(r.out, "No conversation yet; send a message first.")
		} else {
			fmt.Fprintln(r.out, r.conversationID)
		}
	default:
		fmt.Fprintln(r.out, "Commands: /new /history /id /quit")
	}
	return false
}

// runTurn runs one full send-and-stream turn against the transcript
// state machine.
func (r *REPL) runTurn(ctx context.Context, content string) error {
	if _, err := r.transcript.BeginTurn(content); err != nil {
		return err
	}

	stats := model.NewStatistics()

	// Ctrl+C cancels this reply only
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-turnCtx.Done():
		}
	}()

	if err := r.ensureConversation(turnCtx); err != nil {
		return r.failTurn(err)
	}

	rs, err := r.client.StreamMessage(turnCtx, r.conversationID, content)
	if err != nil {
		return r.failTurn(err)
	}
	defer rs.Close()

	// Pull fragments one at a time and print them as they arrive
	for {
		fragment, err := rs.Next(turnCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Fprintln(r.out)
			return r.failTurn(err)
		}
		if r.transcript.State() == model.TurnAwaitingReply {
			stats.RecordFirstFragment()
		}
		if _, err := r.transcript.AppendFragment(fragment); err != nil {
			return r.failTurn(err)
		}
		fmt.Fprint(r.out, fragment)
	}
	fmt.Fprintln(r.out)

	stats.Finalize(rs.Fragments())
	if err := r.transcript.CompleteTurn(stats); err != nil {
		return err
	}

	if r.verbose {
		fmt.Fprintf(os.Stderr, "[%d fragments, first in %s, total %s]\n",
			stats.Fragments, stats.TTFT.Round(timeRound), stats.TotalDuration.Round(timeRound))
	}
	return nil
}

func (r *REPL) ensureConversation(ctx context.Context) error {
	if r.conversationID != "" {
		return nil
	}
	conv, err := r.client.CreateConversation(ctx)
	if err != nil {
		return err
	}
	r.conversationID = conv.ID
	r.transcript.ConversationID = conv.ID
	return nil
}

// failTurn records the failure in the state machine and maps the error.
// An expired credential is discarded immediately so a restart cannot
// reuse it, the same way the session manager handles expiry for the TUI.
func (r *REPL) failTurn(err error) error {
	if errors.Is(err, api.ErrAuthExpired) {
		r.client.ClearToken()
		if r.ids != nil {
			r.ids.ClearToken()
		}
	}
	if errors.Is(err, api.ErrRateLimited) {
		r.transcript.MarkRateLimited()
	} else {
		_ = r.transcript.FailTurn()
	}
	return err
}

func (r *REPL) printTranscript() {
	for _, msg := range r.transcript.Messages {
		content := msg.GetDisplayContent()
		if msg.Role == model.RoleAssistant && r.highlight {
			content = HighlightCodeBlocks(content)
		}
		fmt.Fprintf(r.out, "%s: %s\n", msg.Role.DisplayName(), content)
		if msg.Interrupted {
			fmt.Fprintln(r.out, "[reply interrupted]")
		}
	}
}

// describeTurnError maps turn errors to terse single-line messages.
func describeTurnError(err error) string {
	switch {
	case errors.Is(err, model.ErrRateLimited), errors.Is(err, api.ErrRateLimited):
		return "Rate limited by the server. Sending is disabled for this session."
	case errors.Is(err, api.ErrStreamInterrupted), errors.Is(err, stream.ErrTruncated):
		return "Reply interrupted; partial content kept."
	case errors.Is(err, api.ErrAuthExpired):
		return "Session expired. Run `ragchat login` to sign in again."
	case errors.Is(err, api.ErrNetwork):
		return "Could not reach the server. The message was not sent."
	case errors.Is(err, context.Canceled):
		return "Cancelled."
	default:
		return "Error: " + err.Error()
	}
}
