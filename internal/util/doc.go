// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small shared helpers for ragchat.
//
// It contains string helpers that are safe for multi-byte UTF-8 text,
// cheap numeric formatting wrappers, and crash-safe file writing.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe string truncation with ellipsis
//   - TruncateWidth: display-column truncation for terminal layout
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//   - AtomicWriteFileWithDir: same, with explicit directory permissions
//
// # Usage
//
//	// Truncate long strings safely for display
//	display := util.TruncateRunes(longText, 50)
//
//	// Write files atomically to prevent data loss
//	err := util.AtomicWriteFile(path, data, 0644)
package util
