// Package authority is the client of the Group service, the owner of the
// durable membership data. The realtime gateway only reads through it.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/npezzotti/studyhub-realtime/internal/types"
	"github.com/rs/zerolog"
)

var ErrUnauthorized = errors.New("credential rejected by group authority")

// maxErrorBody bounds how much of an error response is kept for logging.
const maxErrorBody = 512

type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.With().Str("component", "authority").Logger(),
	}
}

// CheckMembership asks the authority whether the holder of cred is a member of
// groupID. A forbidden or unknown group is reported as not a member.
func (c *Client) CheckMembership(ctx context.Context, groupID string, cred types.Credential) (types.Membership, error) {
	if groupID == "" {
		return types.Membership{}, fmt.Errorf("group id is required")
	}

	resp, err := c.do(ctx, "/groups/"+url.PathEscape(groupID)+"/membership", cred)
	if err != nil {
		return types.Membership{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var m types.Membership
		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			return types.Membership{}, fmt.Errorf("decode membership: %w", err)
		}
		return m, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return types.Membership{}, ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotFound:
		return types.Membership{IsMember: false}, nil
	default:
		return types.Membership{}, c.statusError(resp)
	}
}

// ListMyGroups returns every group the holder of cred belongs to.
func (c *Client) ListMyGroups(ctx context.Context, cred types.Credential) ([]types.Group, error) {
	resp, err := c.do(ctx, "/groups/mine", cred)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	default:
		return nil, c.statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read groups: %w", err)
	}

	// the authority answers either with a bare list or wrapped in {"groups": [...]}
	var groups []types.Group
	if err := json.Unmarshal(body, &groups); err == nil {
		return groups, nil
	}

	var wrapped struct {
		Groups []types.Group `json:"groups"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	return wrapped.Groups, nil
}

func (c *Client) do(ctx context.Context, path string, cred types.Credential) (*http.Response, error) {
	if cred.Empty() {
		return nil, ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	forwardCredential(req, cred)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	return resp, nil
}

// forwardCredential presents cred to the authority the same way the caller
// presented it to the gateway.
func forwardCredential(req *http.Request, cred types.Credential) {
	if cred.Source == types.SourceCookie && cred.CookieName != "" {
		req.AddCookie(&http.Cookie{Name: cred.CookieName, Value: cred.Token})
		return
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
}

func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	c.log.Warn().
		Int("status", resp.StatusCode).
		Str("url", resp.Request.URL.String()).
		Str("body", string(body)).
		Msg("unexpected authority response")
	return fmt.Errorf("group authority returned %d", resp.StatusCode)
}
