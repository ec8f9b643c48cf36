// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api provides the HTTP client for the ragchat backend.
package api

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// WidgetConfig is the per-site appearance configuration served to embeds.
type WidgetConfig struct {
	WidgetTitle     string `json:"widget_title"`
	PrimaryColor    string `json:"primary_color"`
	GreetingMessage string `json:"greeting_message"`
}

// Conversation is a conversation summary as the backend reports it.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WireMessage is a persisted message as the backend reports it.
type WireMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// User is the account profile.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// LoginResponse is the result of a successful login.
type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

// createConversationRequest matches the backend's create body: the widget
// surface sends an explicit null title, the account surface an empty object.
type createConversationRequest struct {
	Title *string `json:"title"`
}

// ConversationDetail is a conversation plus its ordered messages.
type ConversationDetail struct {
	Conversation
	Messages []WireMessage `json:"messages"`
}

// =============================================================================
// WIDGET SURFACE
// =============================================================================

// FetchWidgetConfig returns the widget appearance for this embed key.
func (c *Client) FetchWidgetConfig(ctx context.Context) (*WidgetConfig, error) {
	if c.mode != ModeWidget {
		return nil, ErrWrongMode
	}
	var cfg WidgetConfig
	if err := c.doJSON(ctx, http.MethodGet, "/api/widget/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// =============================================================================
// ACCOUNT SURFACE
// =============================================================================

// Login exchanges credentials for a bearer token and installs it on the
// client. A 401 here is a bad-credentials APIError, never ErrAuthExpired.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	if c.mode != ModeAccount {
		return nil, ErrWrongMode
	}
	var out LoginResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", loginRequest{Email: email, Password: password}, &out)
	if err != nil {
		return nil, err
	}
	c.SetToken(out.Token)
	return &out, nil
}

// Me returns the profile behind the current token.
func (c *Client) Me(ctx context.Context) (*User, error) {
	if c.mode != ModeAccount {
		return nil, ErrWrongMode
	}
	if !c.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	var user User
	if err := c.doJSON(ctx, http.MethodGet, "/api/auth/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListConversations returns the surface's conversations, newest first.
// The widget surface lists the session's conversations; the account
// surface lists the user's.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	path := "/api/conversations"
	if c.mode == ModeWidget {
		path = "/api/widget/conversations"
	} else if !c.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	var out []Conversation
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConversation returns one conversation with its ordered messages.
// Account surface only; the widget replays through ConversationMessages.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*ConversationDetail, error) {
	if c.mode != ModeAccount {
		return nil, ErrWrongMode
	}
	if !c.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	var out ConversationDetail
	path := "/api/conversations/" + url.PathEscape(conversationID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConversationMessages returns the stored messages of one conversation
// (history replay on reload). Works on both surfaces.
func (c *Client) ConversationMessages(ctx context.Context, conversationID string) ([]WireMessage, error) {
	var path string
	if c.mode == ModeWidget {
		path = "/api/widget/conversations/" + url.PathEscape(conversationID) + "/messages"
	} else {
		if !c.IsAuthenticated() {
			return nil, ErrNotAuthenticated
		}
		path = "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	}
	var out []WireMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteConversation deletes one conversation. The backend answers 204.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	if c.mode != ModeAccount {
		return ErrWrongMode
	}
	if !c.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	path := "/api/conversations/" + url.PathEscape(conversationID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// =============================================================================
// SHARED OPERATIONS
// =============================================================================

// CreateConversation creates an empty conversation on the client's surface
// and returns it.
func (c *Client) CreateConversation(ctx context.Context) (*Conversation, error) {
	path := "/api/conversations"
	var body any = struct{}{}
	if c.mode == ModeWidget {
		path = "/api/widget/conversations"
		// The widget endpoint expects an explicit null title.
		body = createConversationRequest{}
	} else if !c.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}

	var conv Conversation
	if err := c.doJSON(ctx, http.MethodPost, path, body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// StreamMessage posts a user message and returns the open reply stream.
// The caller owns the stream and must Close it.
func (c *Client) StreamMessage(ctx context.Context, conversationID, content string) (*ReplyStream, error) {
	var path string
	if c.mode == ModeWidget {
		path = "/api/widget/conversations/" + url.PathEscape(conversationID) + "/messages"
	} else {
		if !c.IsAuthenticated() {
			return nil, ErrNotAuthenticated
		}
		path = "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	}
	return c.openStream(ctx, path, sendMessageRequest{Message: content})
}
