package cluster

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/musterhq/muster/pkg/types"
	"golang.org/x/sync/errgroup"
)

// monitor drives the periodic cluster health probes
type monitor struct {
	registry *Registry
	client   *http.Client

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

func newMonitor(r *Registry) *monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &monitor{
		registry: r,
		client:   &http.Client{Timeout: r.config.HealthCheckTimeout},
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *monitor) start() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return
	}
	m.started = true

	m.wg.Add(1)
	go m.run()
}

func (m *monitor) stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

func (m *monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.registry.config.HealthCheckInterval)
	defer ticker.Stop()

	m.checkAll(m.ctx)

	for {
		select {
		case <-ticker.C:
			m.checkAll(m.ctx)
		case <-m.ctx.Done():
			return
		}
	}
}

// checkAll probes every cluster concurrently
func (m *monitor) checkAll(ctx context.Context) {
	clusters := m.registry.List()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, c := range clusters {
		g.Go(func() error {
			m.checkCluster(gctx, c)
			return nil
		})
	}
	_ = g.Wait()
}

// checkCluster probes one cluster's GET /health endpoint. Any 2xx is
// healthy unless the body reports degraded; anything else is a failure.
func (m *monitor) checkCluster(ctx context.Context, c *types.Cluster) {
	probeCtx, cancel := context.WithTimeout(ctx, m.registry.config.HealthCheckTimeout)
	defer cancel()

	start := time.Now()
	url := strings.TrimSuffix(c.Endpoint, "/") + "/health"

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		m.registry.setHealth(c.ID, types.HealthStatusUnhealthy, time.Since(start), true)
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.registry.setHealth(c.ID, types.HealthStatusUnhealthy, time.Since(start), true)
		return
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.registry.setHealth(c.ID, types.HealthStatusUnhealthy, latency, true)
		return
	}

	status := types.HealthStatusHealthy
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(body) > 0 {
		var parsed struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Status == "degraded" {
			status = types.HealthStatusDegraded
		}
	}
	m.registry.setHealth(c.ID, status, latency, false)
}
