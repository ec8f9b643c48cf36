// ragchat - a terminal client for chat-over-RAG backends.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/time/rate"

	"github.com/morganforge/ragchat/internal/api"
	"github.com/morganforge/ragchat/internal/cli"
	"github.com/morganforge/ragchat/internal/config"
	"github.com/morganforge/ragchat/internal/history"
	"github.com/morganforge/ragchat/internal/identity"
	"github.com/morganforge/ragchat/internal/session"
	"github.com/morganforge/ragchat/internal/ui/chat"
)

// Version information (set at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Sync version info to the cli package
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args, err := cli.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		cli.PrintUsage()
		os.Exit(1)
	}

	switch cmd {
	case cli.CmdHelp:
		cli.PrintUsage()
		return
	case cli.CmdVersion:
		cli.PrintVersion()
		return
	}

	cfg := loadConfig(args)
	ctx := context.Background()

	scope := identity.AccountScope
	if cfg.Widget.EmbedKey != "" {
		scope = identity.WidgetScope(cfg.Widget.EmbedKey)
	}
	ids, err := identity.NewStore("", scope)
	if err != nil {
		cli.Fatalf("could not open identity store: %v", err)
	}

	client := buildClient(cfg, ids)
	client.WithVerbose(args.Verbose)

	switch cmd {
	case cli.CmdLogin:
		if cfg.Widget.EmbedKey != "" {
			cli.Fatalf("login applies to the account surface; drop --embed-key first")
		}
		exitOn(cli.HandleLogin(ctx, client, ids))

	case cli.CmdLogout:
		exitOn(cli.HandleLogout(ids))

	case cli.CmdWhoami:
		exitOn(cli.HandleWhoami(ctx, client))

	case cli.CmdConversations:
		store := openHistory(cfg)
		if store != nil {
			defer store.Close()
		}
		exitOn(cli.HandleConversations(ctx, client, store, scope, args))

	case cli.CmdChat:
		runChat(ctx, cfg, client, ids, scope, args)
	}
}

// exitOn prints err to stderr and exits non-zero. Every subcommand path
// reports failure the same way.
func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads ~/.ragchat/config.toml (or defaults), then applies
// command-line overrides on top. Flags beat file beats defaults.
func loadConfig(args cli.Args) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		cli.Fatalf("could not load configuration: %v", err)
	}
	if args.Server != "" {
		cfg.Server.BaseURL = args.Server
	}
	if args.EmbedKey != "" {
		cfg.Widget.EmbedKey = args.EmbedKey
	}
	if args.Theme != "" {
		cfg.UI.Theme = args.Theme
	}
	if args.NoMarkdown {
		cfg.UI.Markdown = false
	}
	config.SetGlobal(cfg)
	return cfg
}

// buildClient constructs the API client for the configured surface.
//
// SECURITY: The widget surface never sees the account token; scope
// separation starts at the identity store layout and ends here.
func buildClient(cfg *config.Config, ids *identity.Store) *api.Client {
	var client *api.Client
	if cfg.Widget.EmbedKey != "" {
		sessionID, err := ids.EnsureSessionID()
		if err != nil {
			cli.Fatalf("could not establish widget session: %v", err)
		}
		client = api.NewWidgetClient(cfg.Server.BaseURL, cfg.Widget.EmbedKey, sessionID)
	} else {
		client = api.NewAccountClient(cfg.Server.BaseURL)
		if token, err := ids.LoadToken(); err == nil && token != "" {
			client.SetToken(token)
		}
	}
	if timeout := time.Duration(cfg.Server.TimeoutSecs) * time.Second; timeout > 0 && timeout != api.DefaultTimeout {
		client.WithHTTPClient(&http.Client{Timeout: timeout})
	}
	return client
}

// openHistory opens the local replay cache, or returns nil when the
// cache is disabled or unavailable. Chat must work without it.
func openHistory(cfg *config.Config) *history.Store {
	if !cfg.History.Enabled {
		return nil
	}
	hcfg, err := history.DefaultConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: history disabled: %v\n", err)
		return nil
	}
	if cfg.History.Path != "" {
		hcfg.DatabasePath = cfg.History.Path
	}
	hcfg.MaxConversations = cfg.History.MaxConversations
	store, err := history.NewStore(hcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: history disabled: %v\n", err)
		return nil
	}
	return store
}

// pacingConfig converts the per-minute advisory budget into a limiter rate.
func pacingConfig(cfg *config.Config) session.Config {
	scfg := session.DefaultConfig()
	if cfg.Pacing.SendsPerMinute > 0 {
		scfg.PacingRate = rate.Limit(float64(cfg.Pacing.SendsPerMinute) / 60.0)
		scfg.PacingBurst = cfg.Pacing.Burst
	}
	return scfg
}

// runChat starts the interactive chat: the Bubble Tea TUI on a real
// terminal, or the line-mode REPL under --plain and pipes.
func runChat(ctx context.Context, cfg *config.Config, client *api.Client, ids *identity.Store, scope string, args cli.Args) {
	if args.Plain || !cli.IsTTY() || !cli.IsStdoutTTY() {
		runPlain(ctx, client, ids, args)
		return
	}

	store := openHistory(cfg)
	if store != nil {
		defer store.Close()
	}

	sess := session.NewManager(client, ids, pacingConfig(cfg))
	resumeTranscript(ctx, sess, ids, store, scope, args)

	m := chat.New(sess, chat.Options{
		Client:   client,
		History:  store,
		Scope:    scope,
		Theme:    cfg.UI.Theme,
		Markdown: cfg.UI.Markdown,
		Compact:  cfg.UI.Compact,
	})

	p := tea.NewProgram(m, tea.WithAltScreen())
	stopWatch := watchConfig(p)
	defer stopWatch()

	if _, err := p.Run(); err != nil {
		cli.Fatalf("terminal UI failed: %v", err)
	}
}

// resumeTranscript picks the conversation the chat starts with.
//
// An explicit --resume asks the server so the transcript is fresh.
// Otherwise the scope's last active conversation (or the most recent
// cached one) is replayed instantly from the cache; --new forgets the
// pointer and starts fresh.
func resumeTranscript(ctx context.Context, sess *session.Manager, ids *identity.Store, store *history.Store, scope string, args cli.Args) {
	if args.Resume != "" {
		if err := sess.Resume(ctx, args.Resume); err != nil {
			cli.Fatalf("could not resume conversation %s: %v", args.Resume, err)
		}
		return
	}
	if args.NewConversation {
		ids.ClearLastConversation()
		return
	}
	if store == nil {
		return
	}
	if last, err := ids.LastConversationID(); err == nil {
		if tr, err := store.Transcript(ctx, last); err == nil {
			sess.Adopt(tr)
			return
		}
	}
	entries, err := store.Conversations(ctx, scope)
	if err != nil || len(entries) == 0 {
		return
	}
	if tr, err := store.Transcript(ctx, entries[0].ID); err == nil {
		sess.Adopt(tr)
	}
}

// watchConfig hot-reloads the config file while the TUI runs, pushing
// display changes into the program. Returns a cleanup func.
func watchConfig(p *tea.Program) func() {
	w, err := config.NewWatcher()
	if err != nil {
		// No watcher is fine; edits just need a restart.
		return func() {}
	}
	w.SetOnReload(func(cfg *config.Config) {
		p.Send(chat.ConfigReloadedMsg{
			Theme:    cfg.UI.Theme,
			Markdown: cfg.UI.Markdown,
			Compact:  cfg.UI.Compact,
		})
	})
	if err := w.Watch(); err != nil {
		w.Close()
		return func() {}
	}
	return func() { w.Close() }
}

// runPlain runs the line-mode REPL for dumb terminals and pipes.
func runPlain(ctx context.Context, client *api.Client, ids *identity.Store, args cli.Args) {
	repl := cli.NewREPL(client, ids, args.Verbose)
	if args.Resume != "" {
		if err := repl.Resume(ctx, args.Resume); err != nil {
			cli.Fatalf("could not resume conversation %s: %v", args.Resume, err)
		}
	}
	if err := repl.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
