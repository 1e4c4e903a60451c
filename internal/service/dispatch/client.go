// Package dispatch issues outbound build trigger requests to the
// external CI system.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"log/slog"
)

// ErrDispatch marks a failed trigger attempt. The attempt is terminal;
// the relay never retries a dispatch.
var ErrDispatch = errors.New("dispatch: trigger failed")

// Request carries the payload of one CI trigger call. The credential is
// supplied per call and never stored.
type Request struct {
	ProjectID   string `json:"projectId"`
	BuildID     string `json:"buildId"`
	Instruction string `json:"instruction"`
	RepoName    string `json:"repoName"`
}

// Client talks to the external CI trigger endpoint.
type Client struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewClient constructs a dispatcher for the given trigger URL.
func NewClient(url string, logger *slog.Logger) *Client {
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Trigger issues one trigger request. A non-2xx response or transport
// error yields an error wrapping ErrDispatch.
func (c *Client) Trigger(ctx context.Context, in Request, credential string) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("ci trigger request failed", "build_id", in.BuildID, "error", err)
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("ci trigger rejected", "build_id", in.BuildID, "status", resp.Status)
		return fmt.Errorf("%w: ci responded %s", ErrDispatch, resp.Status)
	}
	return nil
}
