// Package api is the request/response collaborator: a thin HTTP client over the
// chat backend's REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/zhouzirui/one-in-one/client/internal/model/chat"
)

var validate = validator.New()

// TokenSource yields the bearer token for each call.
type TokenSource interface {
	Token() (string, error)
}

// Client calls the chat backend.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	log     *slog.Logger
}

// NewClient builds a client for baseURL. A nil httpClient uses a client with timeout.
func NewClient(baseURL string, httpClient *http.Client, tokens TokenSource, log *slog.Logger, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		log:     log.With("component", "api"),
	}
}

// ListChats returns the conversations of the session user, most recent first.
func (c *Client) ListChats(ctx context.Context) ([]chat.Conversation, error) {
	var out struct {
		Chats []chat.Conversation `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// FetchMessages returns the full ordered history of a conversation.
func (c *Client) FetchMessages(ctx context.Context, chatID chat.ID) ([]chat.Message, error) {
	var out struct {
		Messages []chat.Message `json:"messages"`
	}
	path := "/api/chats/" + url.PathEscape(chatID.String()) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// CreateChat creates a conversation with the given participant usernames, or
// returns the existing one for the same participant set.
func (c *Client) CreateChat(ctx context.Context, participants []string) (chat.Conversation, error) {
	body := map[string][]string{"participants": participants}
	var out struct {
		Chat *chat.Conversation `json:"chat"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/chats", body, &out); err != nil {
		return chat.Conversation{}, err
	}
	if out.Chat == nil || out.Chat.ID == "" {
		return chat.Conversation{}, &Error{Kind: KindDecode, Message: "response carries no chat"}
	}
	return *out.Chat, nil
}

// SendMessage durably sends a message and returns the confirmed copy.
func (c *Client) SendMessage(ctx context.Context, req chat.SendRequest) (chat.Message, error) {
	if err := validate.Struct(req); err != nil {
		return chat.Message{}, &Error{Kind: KindRejected, Message: "invalid message", Err: err}
	}
	var out struct {
		Message *chat.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/chats/messages", req, &out); err != nil {
		return chat.Message{}, err
	}
	if out.Message == nil || out.Message.ID == "" {
		return chat.Message{}, &Error{Kind: KindDecode, Message: "response carries no message"}
	}
	return *out.Message, nil
}

// SearchUsers searches users by partial username or display name.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]chat.User, error) {
	var out struct {
		Users []chat.User `json:"users"`
	}
	path := "/api/users/search?q=" + url.QueryEscape(query)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// AddReaction adds an emoji reaction to a confirmed message.
func (c *Client) AddReaction(ctx context.Context, messageID chat.ID, emoji string) (chat.ReactionRecord, error) {
	var out struct {
		Reaction chat.ReactionRecord `json:"reaction"`
	}
	path := "/api/chats/messages/" + url.PathEscape(messageID.String()) + "/reactions"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"emoji": emoji}, &out); err != nil {
		return chat.ReactionRecord{}, err
	}
	if out.Reaction.Emoji == "" {
		out.Reaction.Emoji = emoji
	}
	return out.Reaction, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.Token()
	if err != nil {
		return &Error{Kind: KindUnauthorized, Message: "no credential", Err: err}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindRejected, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Kind: KindRejected, Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		c.log.Debug("request failed", "method", method, "path", path, "err", err)
		return &Error{Kind: KindTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindTransient, Status: resp.StatusCode, Message: "read response", Err: err}
	}
	c.log.Debug("request done", "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindDecode, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

func statusError(status int, body []byte) *Error {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	message := http.StatusText(status)
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, m := range []string{payload.Message, payload.Error, payload.Msg} {
			if m != "" {
				message = m
				break
			}
		}
	}

	kind := KindRejected
	switch {
	case status == http.StatusUnauthorized:
		kind = KindUnauthorized
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		kind = KindTransient
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// IsCanceled reports whether err stems from the caller's context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
