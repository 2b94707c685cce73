// Package rest calls the platform's HTTP API for the request/response
// half of the product: everything the realtime channel does not push.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pulsehq/pulse/internal/store"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: server returned %d", e.Status)
}

// TokenProvider yields the current bearer credential, or "" when
// anonymous. Implemented by token.Source.
type TokenProvider interface {
	Current() string
}

// Client is a thin wrapper over the platform API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
}

// NewClient creates a client for the API at baseURL. tokens may be nil
// for anonymous access.
func NewClient(baseURL string, tokens TokenProvider) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
	}
}

type conversationDTO struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	LastMessagePreview string `json:"lastMessagePreview"`
	LastActivityAt     int64  `json:"lastActivityAt"`
	UnreadCount        int    `json:"unreadCount"`
}

type conversationPageDTO struct {
	Items      []conversationDTO `json:"items"`
	TotalCount int               `json:"totalCount"`
}

// ListConversations fetches one page of the caller's conversation list.
// It returns the page items and the server's total count for the query.
func (c *Client) ListConversations(ctx context.Context, limit, offset int, query string) ([]store.Conversation, int, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if query != "" {
		q.Set("q", query)
	}

	var page conversationPageDTO
	if err := c.getJSON(ctx, "/api/conversations?"+q.Encode(), &page); err != nil {
		return nil, 0, err
	}

	items := make([]store.Conversation, 0, len(page.Items))
	for _, dto := range page.Items {
		items = append(items, store.Conversation{
			ID:                 dto.ID,
			Title:              dto.Title,
			LastMessagePreview: dto.LastMessagePreview,
			LastActivityAt:     dto.LastActivityAt,
			UnreadCount:        dto.UnreadCount,
		})
	}
	return items, page.TotalCount, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if tok := c.tokens.Current(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest: decode %s: %w", path, err)
	}
	return nil
}
