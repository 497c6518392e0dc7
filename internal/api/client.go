// Package api speaks the sync wire protocol of the remote endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/scuteapp/scute/internal/replica"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorBodyBytes     = 4 * 1024
)

var errMissingBaseURL = errors.New("api base url is required")

// StatusError reports a non-2xx response. The trimmed response body is the
// failure reason stored against the queue item.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return e.Body
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// ClientConfig carries the dependencies of the API client.
type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Client issues push and pull requests against the remote sync API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	return &Client{baseURL: baseURL, token: cfg.Token, httpClient: httpClient}, nil
}

// PushOperation replays one mutation intent via POST /api/sync/{table}.
func (c *Client) PushOperation(ctx context.Context, table replica.EntityTable, request PushRequest) error {
	body, err := json.Marshal(request)
	if err != nil {
		return err
	}

	url := c.baseURL + "/api/sync/" + table.String()
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	c.authorize(httpRequest)

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{StatusCode: response.StatusCode, Body: readErrorBody(response.Body)}
	}
	io.Copy(io.Discard, response.Body) //nolint:errcheck
	return nil
}

// PullChanges fetches server-side deltas since the provided timestamp via
// GET /api/sync/pull.
func (c *Client) PullChanges(ctx context.Context, sinceMs int64) (PullResponse, error) {
	url := c.baseURL + "/api/sync/pull?since=" + strconv.FormatInt(sinceMs, 10)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PullResponse{}, err
	}
	c.authorize(httpRequest)

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return PullResponse{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return PullResponse{}, &StatusError{StatusCode: response.StatusCode, Body: readErrorBody(response.Body)}
	}

	var pullResponse PullResponse
	if err := json.NewDecoder(response.Body).Decode(&pullResponse); err != nil {
		return PullResponse{}, fmt.Errorf("api: decode pull response: %w", err)
	}
	return pullResponse, nil
}

// Health probes the server's health endpoint. It is the connectivity
// monitor's reachability check.
func (c *Client) Health(ctx context.Context) error {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body) //nolint:errcheck

	if response.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: response.StatusCode}
	}
	return nil
}

func (c *Client) authorize(request *http.Request) {
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func readErrorBody(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
