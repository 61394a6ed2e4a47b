package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/courtside-app/courtside/internal/bus"
	"github.com/courtside-app/courtside/internal/token"
)

// Client is an HTTP client that attaches the stored access token to every
// request and transparently refreshes it. A request that comes back 401 is
// retried exactly once after a refresh exchange; if the exchange itself
// fails, credentials are cleared, "session.expired" is published, and the
// caller sees the failure. Concurrent 401s share a single in-flight refresh.
type Client struct {
	HTTP *http.Client

	baseURL string
	tokens  *token.Store
	bus     *bus.Bus
	logger  *zap.Logger

	// bare performs the refresh exchange itself, outside the
	// authenticated transport, so a failing refresh cannot recurse.
	bare  *http.Client
	group singleflight.Group
}

// New creates a Client against baseURL with the given default timeout.
func New(baseURL string, tokens *token.Store, b *bus.Bus, logger *zap.Logger, timeout time.Duration) *Client {
	c := &Client{
		baseURL: baseURL,
		tokens:  tokens,
		bus:     b,
		logger:  logger,
		bare:    &http.Client{Timeout: timeout},
	}
	c.HTTP = &http.Client{
		Timeout:   timeout,
		Transport: &authTransport{client: c, base: http.DefaultTransport},
	}
	return c
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type authTransport struct {
	client *Client
	base   http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c := t.client
	ctx := req.Context()

	access, err := c.tokens.Access(ctx)
	if err != nil {
		return nil, fmt.Errorf("read access token: %w", err)
	}

	// A token already past its exp claim cannot succeed; refresh before
	// spending a round trip on it. Opaque tokens skip this check.
	if access != "" && expired(access) {
		c.logger.Info("access token expired, refreshing before request")
		access, err = c.refresh()
		if err != nil {
			return nil, err
		}
	}

	resp, err := t.send(req, access)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// Requests with a non-replayable body cannot be retried.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	fresh, refreshErr := c.refresh()
	if refreshErr != nil {
		// Propagate the original 401; the session-expired broadcast
		// has already fired inside refresh.
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	// Exactly one retry; its outcome is returned as-is.
	return t.send(req, fresh)
}

func (t *authTransport) send(req *http.Request, access string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		clone.Body = body
	}
	if access != "" {
		clone.Header.Set("Authorization", "Bearer "+access)
	} else {
		// Absent token is not an error; the server decides.
		clone.Header.Del("Authorization")
	}
	return t.base.RoundTrip(clone)
}

// refresh performs the refresh-token exchange. Concurrent callers share one
// flight: only the first observer of an expired token hits the refresh
// endpoint, the rest wait on its result. A one-time-use refresh token would
// otherwise be burned N-1 times.
func (c *Client) refresh() (string, error) {
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		return c.doRefresh()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (c *Client) doRefresh() (string, error) {
	// Deliberately not tied to any single request's context: the flight's
	// result is shared, so one caller's cancellation must not poison it.
	ctx, cancel := context.WithTimeout(context.Background(), c.bare.Timeout)
	defer cancel()

	refreshTok, err := c.tokens.Refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("read refresh token: %w", err)
	}
	if refreshTok == "" {
		return "", c.expire(ctx, errors.New("no refresh token stored"))
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refreshTok})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.bare.Do(req)
	if err != nil {
		return "", c.expire(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", c.expire(ctx, fmt.Errorf("refresh rejected: status %d", resp.StatusCode))
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", c.expire(ctx, fmt.Errorf("decode refresh response: %w", err))
	}

	if err := c.tokens.Save(ctx, token.Pair{Access: out.AccessToken, Refresh: out.RefreshToken}); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}

	c.logger.Info("access token refreshed")
	return out.AccessToken, nil
}

// expire clears credentials and broadcasts session expiry exactly once per
// failed flight. Returns the ErrSessionExpired-wrapped cause.
func (c *Client) expire(ctx context.Context, cause error) error {
	c.logger.Warn("token refresh failed, session expired", zap.Error(cause))
	if err := c.tokens.Clear(ctx); err != nil {
		c.logger.Error("failed to clear credentials", zap.Error(err))
	}
	c.bus.Publish(bus.Event{Kind: "session.expired", Timestamp: time.Now(), Payload: cause.Error()})
	return fmt.Errorf("%w: %v", ErrSessionExpired, cause)
}
