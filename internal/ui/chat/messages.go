// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"time"

	"github.com/morganforge/ragchat/internal/api"
	"github.com/morganforge/ragchat/internal/model"
)

// =============================================================================
// BUBBLE TEA MESSAGES
// =============================================================================
// All cross-goroutine communication with the UI happens through these
// messages. Session callbacks never touch the Model directly; they post
// onto the event channel and the Update loop applies the change.

// TurnStateMsg reports a transition of the turn state machine.
type TurnStateMsg struct {
	State model.TurnState
}

// StreamTickMsg drives batched rendering of buffered fragments at a
// capped frame rate while a reply streams.
type StreamTickMsg struct {
	Time time.Time
}

// TurnDoneMsg reports that Send returned, successfully or not.
// Err is nil when the turn settled.
type TurnDoneMsg struct {
	Err error
}

// AuthExpiredMsg reports that the stored credential was rejected and has
// been cleared; the user must log in again.
type AuthExpiredMsg struct{}

// PacingWarningMsg reports that the advisory local send-rate budget was
// exceeded. The send still went through.
type PacingWarningMsg struct{}

// GreetingMsg carries the widget configuration fetched at startup.
type GreetingMsg struct {
	Config *api.WidgetConfig
}

// HistorySavedMsg reports the outcome of a background cache write.
type HistorySavedMsg struct {
	Err error
}

// ConfigReloadedMsg carries the display settings from a hot-reloaded
// configuration file.
type ConfigReloadedMsg struct {
	Theme    string
	Markdown bool
	Compact  bool
}

// ErrMsg wraps a non-fatal error for display in the status bar.
type ErrMsg struct {
	Err error
}
