// Package api is the REST side of the sync client: unseen notification
// counts, conversation pages, message history and bulk conversation actions.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/socialsync/pkg/protocol"
)

// ErrUnauthorized is returned for 401 responses.
var ErrUnauthorized = errors.New("unauthorized")

const maxBodySize = 5 * 1024 * 1024

// Error is a non-2xx response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Client talks to the REST API with the session's bearer token.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a client for baseURL. A nil httpClient uses a client
// with a 15 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// SetToken replaces the bearer token used for later requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Message = payload.Error
			if apiErr.Message == "" {
				apiErr.Message = payload.Message
			}
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// FetchUnseenCount returns the unseen notification total for userID.
func (c *Client) FetchUnseenCount(ctx context.Context, userID string) (int, error) {
	var resp struct {
		UnseenCount int `json:"unseenCount"`
	}
	path := "/notifications/" + url.PathEscape(userID) + "/unseen"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.UnseenCount, nil
}

// MarkAllNotificationsSeen marks every notification of userID seen and
// returns the server's count afterwards.
func (c *Client) MarkAllNotificationsSeen(ctx context.Context, userID string) (int, error) {
	var resp struct {
		UnseenCount int `json:"unseenCount"`
	}
	path := "/notifications/" + url.PathEscape(userID) + "/seen"
	if err := c.do(ctx, http.MethodPut, path, nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.UnseenCount, nil
}

// FetchConversations returns one page of the conversation list.
func (c *Client) FetchConversations(ctx context.Context, page, limit int) (protocol.ConversationPage, error) {
	var resp protocol.ConversationPage
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	err := c.do(ctx, http.MethodGet, "/conversations", query, nil, &resp)
	return resp, err
}

// FetchMessages returns one page of a conversation's history, newest last.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, page, limit int) (protocol.MessagePage, error) {
	var resp protocol.MessagePage
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	err := c.do(ctx, http.MethodGet, path, query, nil, &resp)
	return resp, err
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

// MarkConversationsRead marks the conversations read on the server.
func (c *Client) MarkConversationsRead(ctx context.Context, ids []string) error {
	return c.do(ctx, http.MethodPost, "/conversations/read", nil, idsRequest{IDs: ids}, nil)
}

// MarkConversationsUnread flags the conversations unread on the server.
func (c *Client) MarkConversationsUnread(ctx context.Context, ids []string) error {
	return c.do(ctx, http.MethodPost, "/conversations/unread", nil, idsRequest{IDs: ids}, nil)
}

// DeleteConversations deletes the conversations on the server.
func (c *Client) DeleteConversations(ctx context.Context, ids []string) error {
	return c.do(ctx, http.MethodPost, "/conversations/delete", nil, idsRequest{IDs: ids}, nil)
}
