// Package webapi is a thin, non-authoritative HTTPS client satisfying the
// HomeDataFetcher seam DeviceManager depends on. It exists so
// DeviceManager has a concrete collaborator for tests and examples; the
// account API's actual request signing and endpoint discovery are out of
// scope here.
package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/user/roborock-go/roborock"
)

// HomeDataFetcher is what DeviceManager needs from an account API client.
type HomeDataFetcher interface {
	Login(ctx context.Context, username, password string) (roborock.UserData, error)
	HomeData(ctx context.Context, user roborock.UserData) (roborock.HomeData, error)
}

// Client is a minimal JSON-over-HTTPS HomeDataFetcher.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client against baseURL (e.g. "https://api-us.roborock.com").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates and returns the account credential bundle.
func (c *Client) Login(ctx context.Context, username, password string) (roborock.UserData, error) {
	var out roborock.UserData
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return out, fmt.Errorf("webapi: marshal login request: %w", err)
	}
	if err := c.postJSON(ctx, "/api/v1/login", body, &out); err != nil {
		return out, fmt.Errorf("webapi: login: %w", err)
	}
	return out, nil
}

// HomeData fetches the account's device/product roster.
func (c *Client) HomeData(ctx context.Context, user roborock.UserData) (roborock.HomeData, error) {
	var out roborock.HomeData
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/home_data", nil)
	if err != nil {
		return out, fmt.Errorf("webapi: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+user.Token)
	if err := c.do(req, &out); err != nil {
		return out, fmt.Errorf("webapi: home_data: %w", err)
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webapi: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webapi: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
