package lightbind

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// RobloxUser is the subset of the Roblox users API response we care
// about. The profile description is where the user places their
// challenge phrase.
type RobloxUser struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// RobloxClient looks up Roblox user profiles. It implements
// [OwnershipVerifier] by checking a profile description for the
// challenge phrase the user was asked to add.
type RobloxClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewRobloxClient(
	cfg *RobloxConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *RobloxClient {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &RobloxClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With(loggerNameKey, "roblox_client"),
	}
}

// GetUser fetches the profile for the given Roblox user ID. A missing
// user returns (nil, nil).
func (c *RobloxClient) GetUser(
	ctx context.Context,
	robloxUserID string,
) (*RobloxUser, error) {
	u := fmt.Sprintf("%s/v1/users/%s", c.baseURL, robloxUserID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("roblox user lookup: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	c.logger.DebugContext(
		ctx,
		"roblox user lookup",
		"roblox_user_id", robloxUserID,
		"status", resp.StatusCode,
		"duration", time.Since(started),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf(
			"roblox user lookup: unexpected status %d",
			resp.StatusCode,
		)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("roblox user lookup: %w", err)
	}

	var user RobloxUser
	if err = json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("roblox user lookup: %w", err)
	}
	return &user, nil
}

// ProveOwnership reports whether the given Roblox profile's description
// contains the challenge phrase. A nonexistent user proves nothing and
// is not an error.
func (c *RobloxClient) ProveOwnership(
	ctx context.Context,
	robloxUserID string,
	phrase string,
) (bool, error) {
	user, err := c.GetUser(ctx, robloxUserID)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, nil
	}
	return strings.Contains(user.Description, phrase), nil
}
