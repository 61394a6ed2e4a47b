// Package api wraps the courtside REST backend. All calls go through the
// authenticated rest.Client, so token attach and refresh are transparent here.
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
	"time"

	"github.com/courtside-app/courtside/internal/rest"
)

// Client exposes typed wrappers over the REST endpoints.
type Client struct {
	rest *rest.Client
	// long is the same transport with an extended timeout for the
	// register/face-verification path, which waits on a cold-start
	// inference service.
	long *http.Client
}

// NewClient creates an API client. registerTimeout bounds only the register call.
func NewClient(rc *rest.Client, registerTimeout time.Duration) *Client {
	return &Client{
		rest: rc,
		long: &http.Client{Transport: rc.HTTP.Transport, Timeout: registerTimeout},
	}
}

// Login exchanges credentials for a token pair and the user profile.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	var out AuthResponse
	err := c.do(ctx, c.rest.HTTP, http.MethodPost, "/auth/login",
		map[string]string{"email": email, "password": password}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates an account. The face-verification payload makes this the
// one slow call in the API; it runs on the extended-timeout client.
func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, c.long, http.MethodPost, "/auth/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me fetches the current user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var out User
	if err := c.do(ctx, c.rest.HTTP, http.MethodGet, "/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout notifies the server. Callers treat failure as non-fatal.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, c.rest.HTTP, http.MethodPost, "/auth/logout", nil, nil)
}

// UpdateMe applies a partial profile update and returns the server's
// authoritative user record.
func (c *Client) UpdateMe(ctx context.Context, patch map[string]any) (*User, error) {
	var out User
	if err := c.do(ctx, c.rest.HTTP, http.MethodPatch, "/users/me", patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages returns one page of a conversation's history, newest first, as
// served by the backend. limit <= 0 uses the server default.
func (c *Client) Messages(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out messagesPage
	if err := c.do(ctx, c.rest.HTTP, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage persists a message and returns the server record with its
// permanent id.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (*Message, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	var out Message
	if err := c.do(ctx, c.rest.HTTP, http.MethodPost, path, map[string]string{"content": content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.rest.BaseURL()+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		// The auth transport surfaces session expiry as an error; that
		// identity must survive, it is not a transport failure.
		if errors.Is(err, rest.ErrSessionExpired) {
			return err
		}
		return fmt.Errorf("%w: %v", rest.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return &rest.APIError{Status: resp.StatusCode, Message: eb.Message}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
