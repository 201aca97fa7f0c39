// Package client implements the HTTP API client for the chat backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/koi-chat/koi/internal/config"
	"github.com/koi-chat/koi/internal/session"
)

// APIError is a structured error response from the backend.
type APIError struct {
	StatusCode int    `json:"StatusCode"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Permanent reports whether retrying the same request can never succeed.
// Client errors are permanent except timeouts and rate limits.
func (e *APIError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Client talks to the chat REST API on behalf of one authenticated user.
type Client struct {
	baseURL   string
	apiKey    string
	userToken string
	userID    string
	httpc     *http.Client
	log       *zap.Logger
}

// New builds a client from server config. The user id is extracted from the
// token so callers never have to configure it separately.
func New(cfg config.ServerConfig, log *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("server base_url not configured")
	}
	userID, err := session.UserIDFromToken(cfg.UserToken)
	if err != nil {
		return nil, fmt.Errorf("user token: %w", err)
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		userToken: cfg.UserToken,
		userID:    userID,
		httpc:     &http.Client{Timeout: 30 * time.Second},
		log:       log.Named("client"),
	}, nil
}

// UserID returns the authenticated user's id.
func (c *Client) UserID() string { return c.userID }

// do sends one API request and decodes the JSON response into out. The api
// key rides as a query parameter and the user token as the auth header, per
// the backend's auth scheme.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.apiKey)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+params.Encode(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.userToken)
	req.Header.Set("Stream-Auth-Type", "jwt")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(data)
		}
		apiErr.StatusCode = resp.StatusCode
		c.log.Warn("api request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
