package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/musterhq/muster/pkg/types"
)

// ProbeResult is the outcome of a single agent probe
type ProbeResult struct {
	Healthy   bool
	Degraded  bool
	Latency   time.Duration
	Message   string
	CheckedAt time.Time
}

// Prober performs a single health probe against an agent
type Prober interface {
	Probe(ctx context.Context, agent *types.Agent) (ProbeResult, error)
}

// healthBody is the optional JSON payload of an agent's health endpoint
type healthBody struct {
	Status string `json:"status"`
}

// HTTPProber probes agents over their GET /health endpoint.
//
// Any 2xx response is healthy; a 2xx body carrying {"status":"degraded"}
// signals degraded; everything else, including timeouts, is a failure.
type HTTPProber struct {
	// Client is the HTTP client to use (allows custom configuration)
	Client *http.Client

	// Path is the health endpoint path appended to the agent endpoint
	Path string
}

// NewHTTPProber creates an HTTP prober with the default /health path
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{
		Client: &http.Client{Timeout: 10 * time.Second},
		Path:   "/health",
	}
}

// Probe performs the HTTP health probe
func (p *HTTPProber) Probe(ctx context.Context, agent *types.Agent) (ProbeResult, error) {
	start := time.Now()

	url := strings.TrimSuffix(agent.Endpoint, "/") + p.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{CheckedAt: start}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return ProbeResult{CheckedAt: start, Latency: time.Since(start)},
				fmt.Errorf("%w: %v", types.ErrProbeTimeout, err)
		}
		return ProbeResult{CheckedAt: start, Latency: time.Since(start)},
			fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProbeResult{CheckedAt: start, Latency: latency},
			fmt.Errorf("probe returned status %d", resp.StatusCode)
	}

	result := ProbeResult{
		Healthy:   true,
		Latency:   latency,
		Message:   fmt.Sprintf("HTTP %d", resp.StatusCode),
		CheckedAt: start,
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(body) > 0 {
		var parsed healthBody
		if json.Unmarshal(body, &parsed) == nil && parsed.Status == "degraded" {
			result.Degraded = true
			result.Message = "agent reports degraded"
		}
	}

	return result, nil
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// TCPProber probes agents by opening a TCP connection to their endpoint
// host. Useful for agents without an HTTP surface.
type TCPProber struct {
	// Timeout is the connection timeout
	Timeout time.Duration
}

// NewTCPProber creates a TCP prober
func NewTCPProber() *TCPProber {
	return &TCPProber{Timeout: 5 * time.Second}
}

// Probe performs the TCP health probe
func (p *TCPProber) Probe(ctx context.Context, agent *types.Agent) (ProbeResult, error) {
	start := time.Now()

	address := agent.Endpoint
	address = strings.TrimPrefix(address, "http://")
	address = strings.TrimPrefix(address, "https://")
	if i := strings.IndexByte(address, '/'); i >= 0 {
		address = address[:i]
	}

	dialer := &net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if isTimeout(err) {
			return ProbeResult{CheckedAt: start, Latency: time.Since(start)},
				fmt.Errorf("%w: %v", types.ErrProbeTimeout, err)
		}
		return ProbeResult{CheckedAt: start, Latency: time.Since(start)},
			fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()

	return ProbeResult{
		Healthy:   true,
		Latency:   time.Since(start),
		Message:   fmt.Sprintf("TCP connection to %s successful", address),
		CheckedAt: start,
	}, nil
}
