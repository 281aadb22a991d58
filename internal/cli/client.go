package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/igwedaniel/ledgerwatch/internal/api"
	"github.com/igwedaniel/ledgerwatch/internal/types"
)

// Client talks to a ledgerwatch HTTP API
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at base, e.g. http://localhost:8080
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// APIError is a non-2xx response
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
	return out, err
}

func (c *Client) Accounts(ctx context.Context) ([]types.AccountView, error) {
	var out []types.AccountView
	err := c.do(ctx, http.MethodGet, "/api/v1/accounts", nil, &out)
	return out, err
}

func (c *Client) AddAccount(ctx context.Context, address string, label *string) ([]types.AccountView, error) {
	var out []types.AccountView
	err := c.do(ctx, http.MethodPost, "/api/v1/accounts", api.AccountsRequest{Address: address, Label: label}, &out)
	return out, err
}

func (c *Client) RemoveAccounts(ctx context.Context, addresses []string) ([]types.AccountView, error) {
	var out []types.AccountView
	err := c.do(ctx, http.MethodDelete, "/api/v1/accounts", api.AccountsRequest{Addresses: addresses}, &out)
	return out, err
}

func (c *Client) RefreshAccounts(ctx context.Context, addresses []string) ([]types.AccountView, error) {
	var out []types.AccountView
	err := c.do(ctx, http.MethodPost, "/api/v1/accounts/refresh", api.AccountsRequest{Addresses: addresses}, &out)
	return out, err
}

func (c *Client) Transactions(ctx context.Context, address string) ([]types.TransactionView, error) {
	path := "/api/v1/transactions"
	if address != "" {
		path += "?address=" + url.QueryEscape(address)
	}
	var out []types.TransactionView
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) RefreshTransactions(ctx context.Context, addresses []string) ([]types.TransactionView, error) {
	var out []types.TransactionView
	err := c.do(ctx, http.MethodPost, "/api/v1/transactions/refresh", api.AccountsRequest{Addresses: addresses}, &out)
	return out, err
}

func (c *Client) SetSort(ctx context.Context, order string) ([]types.TransactionView, error) {
	var out []types.TransactionView
	err := c.do(ctx, http.MethodPut, "/api/v1/transactions/sort", api.SortRequest{Order: order}, &out)
	return out, err
}

// StreamURL returns the WebSocket endpoint of the server
func (c *Client) StreamURL() string {
	u := c.base + "/api/v1/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		text := strings.TrimSpace(string(msg))
		if json.Unmarshal(msg, &e) == nil && e.Error != "" {
			text = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: text}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
