// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// highlight.go - syntax highlighting for replayed replies in plain mode.
//
// Live streams print raw because fragments can split a fence anywhere;
// highlighting applies when a complete reply is at hand (history replay,
// conversation export preview).
package cli

import (
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
)

// HighlightCodeBlocks rewrites fenced code blocks in a complete message
// with ANSI syntax highlighting. Text outside fences passes through
// unchanged; an unterminated fence is left as-is.
func HighlightCodeBlocks(content string) string {
	if !strings.Contains(content, "```") {
		return content
	}

	var out strings.Builder
	rest := content
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])

		body := rest[start+3:]
		nl := strings.IndexByte(body, '\n')
		if nl < 0 {
			out.WriteString(rest[start:])
			break
		}
		language := strings.TrimSpace(body[:nl])
		body = body[nl+1:]

		end := strings.Index(body, "```")
		if end < 0 {
			out.WriteString(rest[start:])
			break
		}

		out.WriteString(highlightCode(body[:end], language))
		rest = body[end+3:]
	}
	return out.String()
}

// highlightCode renders one code block through chroma's terminal formatter.
func highlightCode(code, language string) string {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}

	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}

	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return buf.String()
}
