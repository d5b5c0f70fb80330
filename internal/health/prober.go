// Package health probes the HTTP health endpoints of managed services.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/loykin/svisor/internal/metrics"
)

// Reason classifies why a service was unreachable.
type Reason string

const (
	ConnectionRefused Reason = "connection_refused"
	Timeout           Reason = "timeout"
	BadStatus         Reason = "bad_status"
	MalformedResponse Reason = "malformed_response"
	// Canceled means the caller gave up before the probe finished; it says
	// nothing about the service.
	Canceled Reason = "canceled"
)

// HealthyStatus is the status value a service reports when it is ready.
const HealthyStatus = "healthy"

const maxBody = 1 << 20

// Payload is the decoded health document. Fields other than the well-known
// ones are kept in Extra.
type Payload struct {
	Status    string         `json:"status" yaml:"status"`
	Service   string         `json:"service,omitempty" yaml:"service,omitempty"`
	Timestamp string         `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Extra     map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Result is the outcome of one probe. Reason is empty when Reachable.
type Result struct {
	URL        string        `json:"url" yaml:"url"`
	Reachable  bool          `json:"reachable" yaml:"reachable"`
	Reason     Reason        `json:"reason,omitempty" yaml:"reason,omitempty"`
	StatusCode int           `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	Payload    *Payload      `json:"payload,omitempty" yaml:"payload,omitempty"`
	Detail     string        `json:"detail,omitempty" yaml:"detail,omitempty"`
	Latency    time.Duration `json:"latency" yaml:"latency"`
	CheckedAt  time.Time     `json:"checked_at" yaml:"checked_at"`
}

// Label is the metric label for the result: "reachable" or the reason.
func (r Result) Label() string {
	if r.Reachable {
		return "reachable"
	}
	return string(r.Reason)
}

// Prober performs single bounded health requests. The zero value is not
// usable; construct with NewProber.
type Prober struct {
	client *http.Client
}

// NewProber returns a prober using client, or a dedicated client with
// keep-alives disabled when client is nil.
func NewProber(client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	}
	return &Prober{client: client}
}

// Check probes url and records the outcome under the service name.
func (p *Prober) Check(ctx context.Context, name, url string, timeout time.Duration) Result {
	r := p.Probe(ctx, url, timeout)
	metrics.ObserveProbe(name, r.Label(), r.Latency.Seconds())
	return r
}

// Probe performs one GET against url bounded by timeout. It never returns an
// error; every failure is classified in the result.
func (p *Prober) Probe(ctx context.Context, url string, timeout time.Duration) Result {
	start := time.Now()
	res := p.probe(ctx, url, timeout)
	res.URL = url
	res.CheckedAt = start
	res.Latency = time.Since(start)
	return res
}

func (p *Prober) probe(ctx context.Context, url string, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return unreachable(ConnectionRefused, 0, err.Error())
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return unreachable(classify(err), 0, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return unreachable(BadStatus, resp.StatusCode, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if r := classify(err); r != ConnectionRefused {
			return unreachable(r, resp.StatusCode, err.Error())
		}
		return unreachable(MalformedResponse, resp.StatusCode, err.Error())
	}

	payload, err := decode(body)
	if err != nil {
		return unreachable(MalformedResponse, resp.StatusCode, err.Error())
	}
	if payload.Status != HealthyStatus {
		r := unreachable(BadStatus, resp.StatusCode, fmt.Sprintf("status %q", payload.Status))
		r.Payload = payload
		return r
	}
	return Result{Reachable: true, StatusCode: resp.StatusCode, Payload: payload}
}

func decode(body []byte) (*Payload, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode health payload: %w", err)
	}
	if doc == nil {
		return nil, errors.New("health payload is not an object")
	}
	status, ok := doc["status"].(string)
	if !ok {
		return nil, errors.New("health payload has no string status")
	}
	p := &Payload{Status: status}
	for k, v := range doc {
		switch k {
		case "status":
		case "service":
			p.Service = fmt.Sprint(v)
		case "timestamp":
			p.Timestamp = fmt.Sprint(v)
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[k] = v
		}
	}
	return p, nil
}

func unreachable(reason Reason, code int, detail string) Result {
	return Result{Reason: reason, StatusCode: code, Detail: detail}
}

func classify(err error) Reason {
	if isTimeout(err) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	return ConnectionRefused
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
