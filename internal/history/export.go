// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/morganforge/ragchat/internal/model"
)

// =============================================================================
// MARKDOWN EXPORT
// =============================================================================

// ExportMarkdown writes a cached conversation as a Markdown document.
func (s *Store) ExportMarkdown(ctx context.Context, conversationID string, w io.Writer) error {
	t, err := s.Transcript(ctx, conversationID)
	if err != nil {
		return err
	}
	return WriteMarkdown(t, w)
}

// WriteMarkdown renders a transcript as Markdown. Interrupted replies are
// annotated so partial content is not mistaken for a complete answer.
func WriteMarkdown(t *model.Transcript, w io.Writer) error {
	title := t.Title
	if title == "" {
		title = "Conversation"
	}
	if _, err := fmt.Fprintf(w, "# %s\n\n", title); err != nil {
		return err
	}
	if !t.CreatedAt.IsZero() {
		if _, err := fmt.Fprintf(w, "_Started %s_\n\n", t.CreatedAt.Format("2006-01-02 15:04")); err != nil {
			return err
		}
	}

	for _, msg := range t.Messages {
		if _, err := fmt.Fprintf(w, "## %s\n\n", msg.Role.DisplayName()); err != nil {
			return err
		}
		content := strings.TrimRight(msg.GetDisplayContent(), "\n")
		if _, err := fmt.Fprintf(w, "%s\n\n", content); err != nil {
			return err
		}
		if msg.Interrupted {
			if _, err := fmt.Fprint(w, "_[reply interrupted]_\n\n"); err != nil {
				return err
			}
		}
	}
	return nil
}
