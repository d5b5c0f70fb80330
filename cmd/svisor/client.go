package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/svisor/internal/supervisor"
)

// APIClient talks to a running supervisor's status surface.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Status returns every service, or only name when it is set.
func (c *APIClient) Status(name string) ([]supervisor.ServiceStatus, error) {
	if name == "" {
		var out []supervisor.ServiceStatus
		if err := c.get("/status", &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var one supervisor.ServiceStatus
	if err := c.get("/status/"+url.PathEscape(name), &one); err != nil {
		return nil, err
	}
	return []supervisor.ServiceStatus{one}, nil
}

// Shutdown asks the supervisor to stop the fleet. It reports whether a
// shutdown was already running.
func (c *APIClient) Shutdown() (bool, error) {
	resp, err := c.client.Post(c.baseURL+"/shutdown", "application/json", nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		return false, decodeAPIError(resp)
	}
	var body struct {
		AlreadyInProgress bool `json:"already_in_progress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.AlreadyInProgress, nil
}

func (c *APIClient) get(path string, v any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func decodeAPIError(resp *http.Response) error {
	var errorResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
