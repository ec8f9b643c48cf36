// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides argument parsing and the non-TUI command surface:
// the plain-mode REPL, login/logout, and conversation management.
//
// The REPL pulls reply fragments off the stream reader one at a time and
// prints them as they arrive, which keeps it usable on dumb terminals
// and in piped sessions where the full-screen TUI cannot run. Replayed
// replies get fenced-code-block highlighting via chroma when stdout is
// a terminal.
package cli
