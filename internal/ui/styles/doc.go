// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the visual styling system for the ragchat TUI.
//
// Colors are Lip Gloss AdaptiveColor values so every style renders
// correctly on both light and dark terminals; the Theme bundles the
// styles the chat view needs and can be forced to a mode via the
// ui.theme config setting.
package styles
