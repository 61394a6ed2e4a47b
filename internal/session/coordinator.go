// Package session composes the REST API, token store, and realtime
// connection into the login/logout/identity lifecycle.
package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/courtside-app/courtside/internal/api"
	"github.com/courtside-app/courtside/internal/bus"
	"github.com/courtside-app/courtside/internal/realtime"
	"github.com/courtside-app/courtside/internal/token"
)

// ExpiredNotice is the single user-facing message shown when the session
// expires out from under an authenticated user.
const ExpiredNotice = "Your session has expired. Please log in again."

// logoutTimeout bounds the best-effort server logout notification.
const logoutTimeout = 5 * time.Second

// Coordinator drives the session lifecycle. It owns the StateCell and is
// the only writer to it.
type Coordinator struct {
	api    *api.Client
	tokens *token.Store
	conn   *realtime.Manager
	bus    *bus.Bus
	logger *zap.Logger
	state  *StateCell

	expirySub *bus.Subscription
}

// NewCoordinator creates a coordinator and registers its session-expired
// handler. The handler fires the user-facing notice at most once per
// expiry, and not at all while anonymous: repeated 401s on an already
// logged-out client stay silent.
func NewCoordinator(a *api.Client, tokens *token.Store, conn *realtime.Manager, b *bus.Bus, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		api:    a,
		tokens: tokens,
		conn:   conn,
		bus:    b,
		logger: logger,
		state:  NewStateCell(),
	}
	c.expirySub = b.Subscribe("session.expired", c.onSessionExpired)
	return c
}

// Close releases the coordinator's bus subscription.
func (c *Coordinator) Close() {
	c.expirySub.Release()
}

// State exposes the session state cell (read accessors only are safe for
// outside callers).
func (c *Coordinator) State() *StateCell {
	return c.state
}

// Login authenticates with email/password, persists the token pair, and
// opens the realtime connection. The returned error carries the
// server-provided message for display.
func (c *Coordinator) Login(ctx context.Context, email, password string) (*api.User, error) {
	c.state.ApplyAuthenticating()

	resp, err := c.api.Login(ctx, email, password)
	if err != nil {
		c.state.ApplyAuthFailed()
		return nil, fmt.Errorf("login: %w", err)
	}

	return c.establish(ctx, resp)
}

// Register creates an account. Same contract as Login; the underlying call
// runs with the extended timeout because the face-verification collaborator
// may cold-start.
func (c *Coordinator) Register(ctx context.Context, req *api.RegisterRequest) (*api.User, error) {
	c.state.ApplyAuthenticating()

	resp, err := c.api.Register(ctx, req)
	if err != nil {
		c.state.ApplyAuthFailed()
		return nil, fmt.Errorf("register: %w", err)
	}

	return c.establish(ctx, resp)
}

func (c *Coordinator) establish(ctx context.Context, resp *api.AuthResponse) (*api.User, error) {
	if err := c.tokens.Save(ctx, token.Pair{Access: resp.AccessToken, Refresh: resp.RefreshToken}); err != nil {
		c.state.ApplyAuthFailed()
		return nil, fmt.Errorf("persist tokens: %w", err)
	}

	c.state.ApplyLoginSuccess(&resp.User)
	c.bus.Publish(bus.Event{
		Kind:      "session.authenticated",
		Timestamp: time.Now(),
		Payload:   resp.User.ID,
	})

	if err := c.conn.Connect(ctx); err != nil {
		// The session stands; the connection manager keeps retrying.
		c.logger.Warn("realtime connect after login failed", zap.Error(err))
	}

	user := c.state.User()
	c.logger.Info("session authenticated", zap.String("user_id", user.ID))
	return user, nil
}

// Logout notifies the server best-effort, then unconditionally clears
// tokens, drops the realtime connection, and resets to anonymous. Local
// teardown never waits on, and never fails because of, the server call.
func (c *Coordinator) Logout(ctx context.Context) {
	notifyCtx, cancel := context.WithTimeout(ctx, logoutTimeout)
	if err := c.api.Logout(notifyCtx); err != nil {
		c.logger.Warn("server logout notification failed", zap.Error(err))
	}
	cancel()

	c.teardown("logout")
}

// RefreshIdentity re-fetches the current user. Failure is treated as
// session expiry: a client that cannot re-read its own identity is not
// meaningfully authenticated.
func (c *Coordinator) RefreshIdentity(ctx context.Context) error {
	epoch := c.state.Epoch()

	user, err := c.api.Me(ctx)
	if err != nil {
		c.logger.Warn("identity refresh failed, treating as expiry", zap.Error(err))
		c.expireSession()
		return fmt.Errorf("refresh identity: %w", err)
	}

	if c.state.Epoch() != epoch {
		// Session was torn down while the fetch was in flight.
		c.logger.Info("discarding stale identity fetch")
		return nil
	}
	c.state.ApplyUserReplaced(user)
	return nil
}

// UpdateIdentity applies the patch locally first, then issues the server
// update. On failure the pre-patch record is restored exactly and the
// error re-raised. patch keys are JSON field names ("bio", "name", ...).
func (c *Coordinator) UpdateIdentity(ctx context.Context, patch map[string]any) error {
	snapshot := c.state.ApplyOptimisticPatch(patch)
	if snapshot == nil {
		return fmt.Errorf("update identity: not authenticated")
	}
	epoch := c.state.Epoch()

	updated, err := c.api.UpdateMe(ctx, patch)
	if err != nil {
		c.state.Rollback(snapshot)
		return fmt.Errorf("update identity: %w", err)
	}

	if c.state.Epoch() != epoch {
		c.logger.Info("discarding stale identity update result")
		return nil
	}
	c.state.ApplyUserReplaced(updated)
	return nil
}

// Resume restores a session from stored credentials at startup: if a token
// pair exists, fetch the identity and connect. Missing or rejected
// credentials settle quietly in anonymous.
func (c *Coordinator) Resume(ctx context.Context) error {
	access, err := c.tokens.Access(ctx)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if access == "" {
		c.logger.Info("no stored credentials, starting anonymous")
		return nil
	}

	user, err := c.api.Me(ctx)
	if err != nil {
		c.logger.Warn("stored credentials rejected", zap.Error(err))
		if clearErr := c.tokens.Clear(ctx); clearErr != nil {
			c.logger.Error("failed to clear credentials", zap.Error(clearErr))
		}
		return nil
	}

	c.state.ApplyLoginSuccess(user)
	c.bus.Publish(bus.Event{
		Kind:      "session.authenticated",
		Timestamp: time.Now(),
		Payload:   user.ID,
	})
	if err := c.conn.Connect(ctx); err != nil {
		c.logger.Warn("realtime connect on resume failed", zap.Error(err))
	}
	c.logger.Info("session resumed", zap.String("user_id", user.ID))
	return nil
}

// onSessionExpired handles the broadcast from the HTTP layer's failed
// refresh exchange.
func (c *Coordinator) onSessionExpired(bus.Event) {
	if !c.state.IsAuthenticated() {
		return
	}
	c.logger.Warn("session expired, tearing down")
	c.expireSession()
}

// expireSession tears down and, if a user was logged in, surfaces exactly
// one user-facing notice.
func (c *Coordinator) expireSession() {
	wasAuthenticated := c.state.IsAuthenticated()
	c.teardown("expired")
	if wasAuthenticated {
		c.bus.Publish(bus.Event{
			Kind:      "session.notice",
			Timestamp: time.Now(),
			Payload:   ExpiredNotice,
		})
	}
}

// teardown resets to anonymous. It runs on its own context: local cleanup
// must proceed even when the triggering call's context is already dead,
// or a later Resume would resurrect the session from the surviving pair.
func (c *Coordinator) teardown(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()

	if err := c.tokens.Clear(ctx); err != nil {
		c.logger.Error("failed to clear credentials", zap.Error(err))
	}
	c.conn.Disconnect()
	c.state.ApplyLogout()
	c.bus.Publish(bus.Event{
		Kind:      "session.logged_out",
		Timestamp: time.Now(),
		Payload:   reason,
	})
	c.logger.Info("session reset to anonymous", zap.String("reason", reason))
}
