// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for ragchat.
//
// Configuration lives in a single TOML file under ~/.ragchat with built-in
// defaults and environment variable overrides (RAGCHAT_SERVER,
// RAGCHAT_EMBED_KEY, RAGCHAT_THEME, RAGCHAT_NO_MARKDOWN, RAGCHAT_NO_HISTORY).
//
// # Key Types
//
//   - Config: complete configuration with server, widget, UI, history,
//     and pacing sections
//   - ValidationError / ValidateErrors: structured validation failures
//   - Watcher: fsnotify-based hot reload of the config file
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Server.BaseURL)
//
// The process-wide instance is available via config.Global(); a Watcher
// keeps it current when the file changes on disk.
//
// SECURITY: Config files are created with 0600 permissions because the
// widget embed key may be stored there.
package config
