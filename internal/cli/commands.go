// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// commands.go - account and conversation management commands.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/morganforge/ragchat/internal/api"
	"github.com/morganforge/ragchat/internal/history"
	"github.com/morganforge/ragchat/internal/identity"
	"github.com/morganforge/ragchat/internal/model"
)

// =============================================================================
// LOGIN / LOGOUT
// =============================================================================

// HandleLogin prompts for credentials, signs in, and stores the token.
func HandleLogin(ctx context.Context, client *api.Client, ids *identity.Store) error {
	if !IsTTY() {
		return fmt.Errorf("login requires an interactive terminal")
	}

	fmt.Print("Email: ")
	reader := bufio.NewReader(os.Stdin)
	email, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read email: %w", err)
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("email required")
	}

	fmt.Print("Password: ")
	// SECURITY: no echo for the password
	passBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimSpace(string(passBytes))
	if password == "" {
		return fmt.Errorf("password required")
	}

	resp, err := client.Login(ctx, email, password)
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.Status == 401 {
			return fmt.Errorf("invalid email or password")
		}
		return err
	}

	if err := ids.SaveToken(resp.Token); err != nil {
		return fmt.Errorf("signed in, but could not store the credential: %w", err)
	}

	name := resp.User.Name
	if name == "" {
		name = resp.User.Email
	}
	fmt.Printf("Signed in as %s.\n", name)
	return nil
}

// HandleLogout clears the stored credential.
func HandleLogout(ids *identity.Store) error {
	if err := ids.ClearToken(); err != nil {
		return err
	}
	fmt.Println("Signed out.")
	return nil
}

// HandleWhoami shows the signed-in account.
func HandleWhoami(ctx context.Context, client *api.Client) error {
	user, err := client.Me(ctx)
	if err != nil {
		if errors.Is(err, api.ErrNotAuthenticated) || errors.Is(err, api.ErrAuthExpired) {
			return fmt.Errorf("not signed in; run `ragchat login`")
		}
		return err
	}
	if user.Name != "" {
		fmt.Printf("%s <%s>\n", user.Name, user.Email)
	} else {
		fmt.Println(user.Email)
	}
	return nil
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// HandleConversations dispatches the conversations subcommands.
// The history store is optional; search requires it.
func HandleConversations(ctx context.Context, client *api.Client, store *history.Store, scope string, args Args) error {
	switch args.Subcommand {
	case "list":
		return listConversations(ctx, client)
	case "delete":
		return deleteConversation(ctx, client, store, args.Target)
	case "export":
		return exportConversation(ctx, client, store, args.Target, args.Output)
	case "search":
		return searchConversations(ctx, store, scope, args.Target)
	default:
		return fmt.Errorf("unknown conversations subcommand %q", args.Subcommand)
	}
}

func listConversations(ctx context.Context, client *api.Client) error {
	convs, err := client.ListConversations(ctx)
	if err != nil {
		if errors.Is(err, api.ErrNotAuthenticated) || errors.Is(err, api.ErrAuthExpired) {
			return fmt.Errorf("not signed in; run `ragchat login`")
		}
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return nil
	}
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s  %s\n", c.ID, c.UpdatedAt.Format("2006-01-02 15:04"), title)
	}
	return nil
}

func deleteConversation(ctx context.Context, client *api.Client, store *history.Store, id string) error {
	if err := client.DeleteConversation(ctx, id); err != nil {
		return err
	}
	if store != nil {
		if err := store.Delete(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: deleted on server but not from the local cache: %v\n", err)
		}
	}
	fmt.Printf("Deleted %s.\n", id)
	return nil
}

// exportConversation writes a conversation as Markdown, preferring the
// local cache and falling back to the server.
func exportConversation(ctx context.Context, client *api.Client, store *history.Store, id, output string) error {
	var tr *model.Transcript
	if store != nil {
		cached, err := store.Transcript(ctx, id)
		if err == nil {
			tr = cached
		} else if !errors.Is(err, history.ErrNotFound) {
			return err
		}
	}
	if tr == nil {
		var msgs []api.WireMessage
		var title string
		if client.Mode() == api.ModeAccount {
			detail, err := client.GetConversation(ctx, id)
			if err != nil {
				return err
			}
			msgs = detail.Messages
			title = detail.Title
		} else {
			var err error
			msgs, err = client.ConversationMessages(ctx, id)
			if err != nil {
				return err
			}
		}
		tr = model.NewTranscript()
		tr.ConversationID = id
		for _, wm := range msgs {
			tr.Restore(&model.Message{
				ID:        wm.ID,
				Role:      model.Role(wm.Role),
				Content:   wm.Content,
				Timestamp: wm.CreatedAt,
			})
		}
		if title != "" {
			tr.Title = title
		}
	}

	if output == "" {
		return history.WriteMarkdown(tr, os.Stdout)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := history.WriteMarkdown(tr, f); err != nil {
		return err
	}
	fmt.Printf("Exported %s to %s.\n", id, output)
	return nil
}

func searchConversations(ctx context.Context, store *history.Store, scope, query string) error {
	if store == nil {
		return fmt.Errorf("search needs the local history cache (enable history in the config)")
	}
	results, err := store.Search(ctx, scope, query)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	for _, r := range results {
		fmt.Printf("%s  %s: %s\n", r.ConversationID, r.Role.DisplayName(), r.Snippet)
	}
	return nil
}
