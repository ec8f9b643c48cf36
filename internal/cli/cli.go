// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - argument parsing and command dispatch for ragchat.
package cli

import (
	"fmt"
	"os"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdChat Command = iota // default: interactive chat (TUI or plain)
	CmdLogin
	CmdLogout
	CmdWhoami
	CmdConversations
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	Server     string // overrides server.base_url
	EmbedKey   string // widget surface; empty selects the account surface
	Verbose    bool
	Plain      bool // force the line-mode REPL instead of the TUI
	NoMarkdown bool
	Theme      string

	// Chat
	NewConversation bool   // start fresh instead of replaying the cache
	Resume          string // conversation id to resume

	// Conversations subcommand
	Subcommand string // list (default), delete, export, search
	Target     string // conversation id or search query
	Output     string // export destination file ("" = stdout)

	// Raw args remaining after flag parsing
	Raw []string
}

const usageText = `ragchat - terminal client for chat-over-RAG backends

Usage:
  ragchat                         Start interactive chat (TUI)
  ragchat --plain                 Line-mode chat for dumb terminals and pipes
  ragchat --embed-key KEY         Chat through a site's widget surface
  ragchat login                   Sign in to the account surface
  ragchat logout                  Clear the stored credential
  ragchat whoami                  Show the signed-in account
  ragchat conversations           List conversations
  ragchat conversations delete ID     Delete a conversation
  ragchat conversations export ID     Export a conversation as Markdown
    --output FILE                     Write to a file instead of stdout
  ragchat conversations search QUERY  Search cached transcripts
  ragchat version                 Show version

Flags:
  --server URL       Backend base URL (also RAGCHAT_SERVER)
  --embed-key KEY    Widget embed key (also RAGCHAT_EMBED_KEY)
  --plain            Plain REPL instead of the TUI
  --new              Start a new conversation (skip history replay)
  --resume ID        Resume a specific conversation
  --no-markdown      Disable markdown rendering
  --theme NAME       dark, light, or auto
  -v, --verbose      Log requests to stderr (never bodies or credentials)
  -h, --help         Show this help
`

// Parse parses command-line arguments into a command and its options.
func Parse(argv []string) (Command, Args, error) {
	args := Args{Subcommand: "list"}
	cmd := CmdChat

	i := 0
	if len(argv) > 0 && !strings.HasPrefix(argv[0], "-") {
		switch argv[0] {
		case "login":
			cmd = CmdLogin
		case "logout":
			cmd = CmdLogout
		case "whoami":
			cmd = CmdWhoami
		case "conversations":
			cmd = CmdConversations
		case "chat":
			cmd = CmdChat
		case "version":
			cmd = CmdVersion
		case "help":
			cmd = CmdHelp
		default:
			return CmdHelp, args, fmt.Errorf("unknown command %q", argv[0])
		}
		i = 1
	}

	for ; i < len(argv); i++ {
		arg := argv[i]
		switch arg {
		case "--server":
			i++
			if i >= len(argv) {
				return cmd, args, fmt.Errorf("--server requires a URL")
			}
			args.Server = argv[i]
		case "--embed-key":
			i++
			if i >= len(argv) {
				return cmd, args, fmt.Errorf("--embed-key requires a key")
			}
			args.EmbedKey = argv[i]
		case "--resume":
			i++
			if i >= len(argv) {
				return cmd, args, fmt.Errorf("--resume requires a conversation id")
			}
			args.Resume = argv[i]
		case "--theme":
			i++
			if i >= len(argv) {
				return cmd, args, fmt.Errorf("--theme requires dark, light, or auto")
			}
			args.Theme = argv[i]
		case "--output", "-o":
			i++
			if i >= len(argv) {
				return cmd, args, fmt.Errorf("--output requires a file path")
			}
			args.Output = argv[i]
		case "--plain":
			args.Plain = true
		case "--new":
			args.NewConversation = true
		case "--no-markdown":
			args.NoMarkdown = true
		case "--verbose", "-v":
			args.Verbose = true
		case "--help", "-h":
			return CmdHelp, args, nil
		default:
			if strings.HasPrefix(arg, "-") {
				return cmd, args, fmt.Errorf("unknown flag %q", arg)
			}
			args.Raw = append(args.Raw, arg)
		}
	}

	if cmd == CmdConversations && len(args.Raw) > 0 {
		switch args.Raw[0] {
		case "list", "delete", "export", "search":
			args.Subcommand = args.Raw[0]
			if len(args.Raw) > 1 {
				args.Target = strings.Join(args.Raw[1:], " ")
			}
		default:
			// Bare id: treat as export for convenience
			args.Subcommand = "export"
			args.Target = args.Raw[0]
		}
		if args.Subcommand != "list" && args.Target == "" {
			return cmd, args, fmt.Errorf("conversations %s requires an argument", args.Subcommand)
		}
	}

	return cmd, args, nil
}

// PrintUsage writes the usage text to stdout.
func PrintUsage() {
	fmt.Print(usageText)
}

// PrintVersion writes version information to stdout.
func PrintVersion() {
	fmt.Printf("ragchat %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
}

// Fatalf prints an error to stderr and exits non-zero.
func Fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", a...)
	os.Exit(1)
}
