package mcp

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"aibox-memory/internal/config"
	"aibox-memory/internal/logging"
	"aibox-memory/pkg/types"
)

// Selection strategies.
const (
	StrategyRoundRobin       = "round_robin"
	StrategyRandom           = "random"
	StrategyLeastConnections = "least_connections"
)

const defaultHealthInterval = 30 * time.Second

type poolEndpoint struct {
	client *Client

	mu        sync.Mutex
	healthy   bool
	success   int64
	failure   int64
	lastError string
	lastCheck time.Time
}

func (pe *poolEndpoint) markSuccess() {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.success++
}

func (pe *poolEndpoint) markFailure(err error) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.failure++
	pe.healthy = false
	pe.lastError = err.Error()
}

func (pe *poolEndpoint) setHealth(healthy bool, at time.Time, err error) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.healthy = healthy
	pe.lastCheck = at
	if err != nil {
		pe.lastError = err.Error()
	}
}

func (pe *poolEndpoint) isHealthy() bool {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.healthy
}

func (pe *poolEndpoint) failures() int64 {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.failure
}

// EndpointStats is one endpoint's health snapshot.
type EndpointStats struct {
	Endpoint  string    `json:"endpoint"`
	Healthy   bool      `json:"healthy"`
	Success   int64     `json:"success"`
	Failure   int64     `json:"failure"`
	LastError string    `json:"last_error,omitempty"`
	LastCheck time.Time `json:"last_check,omitempty"`
}

// PoolStats aggregates endpoint snapshots.
type PoolStats struct {
	Endpoints    []EndpointStats `json:"endpoints"`
	TotalSuccess int64           `json:"total_success"`
	TotalFailure int64           `json:"total_failure"`
}

// Pool distributes calls over several protocol endpoints, excluding ones
// that fail their health check until a later check reinstates them.
type Pool struct {
	endpoints []*poolEndpoint
	strategy  string
	interval  time.Duration
	retries   int
	backoff   time.Duration
	logger    logging.Logger

	rr     atomic.Uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPool creates a pool over the configured endpoints. Endpoints start
// healthy; the first check corrects optimism.
func NewPool(cfg config.MCPConfig, logger logging.Logger) *Pool {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthInterval
	}

	p := &Pool{
		strategy: cfg.Strategy,
		interval: cfg.HealthCheckInterval,
		retries:  cfg.MaxRetries,
		backoff:  defaultRetryBackoff,
		logger:   logger.WithComponent("mcp_pool"),
	}
	for _, endpoint := range cfg.Endpoints {
		p.endpoints = append(p.endpoints, &poolEndpoint{
			client: NewClient(ClientOptions{
				Endpoint:   endpoint,
				MaxRetries: 1,
				Timeout:    cfg.RequestTimeout,
				Logger:     logger,
			}),
			healthy: true,
		})
	}
	return p
}

// Start launches the background health-check loop
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.CheckAll(ctx)
			}
		}
	}()
}

// Stop terminates the health-check loop
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// CheckAll runs one health check over every endpoint
func (p *Pool) CheckAll(ctx context.Context) {
	for _, pe := range p.endpoints {
		_, err := pe.client.Initialize(ctx)
		pe.setHealth(err == nil, time.Now().UTC(), err)
		if err != nil {
			p.logger.Warn("endpoint unhealthy", "endpoint", pe.client.Endpoint(), "error", err.Error())
		}
	}
}

// pick selects a healthy endpoint, excluding the given ones
func (p *Pool) pick(exclude map[*poolEndpoint]bool) *poolEndpoint {
	healthy := make([]*poolEndpoint, 0, len(p.endpoints))
	for _, pe := range p.endpoints {
		if pe.isHealthy() && !exclude[pe] {
			healthy = append(healthy, pe)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	switch p.strategy {
	case StrategyRandom:
		return healthy[rand.Intn(len(healthy))]
	case StrategyLeastConnections:
		best := healthy[0]
		for _, pe := range healthy[1:] {
			if pe.failures() < best.failures() {
				best = pe
			}
		}
		return best
	default:
		return healthy[p.rr.Add(1)%uint64(len(healthy))]
	}
}

// CallToolWithRetry invokes a tool on a healthy endpoint, moving to a
// different endpoint after each failure
func (p *Pool) CallToolWithRetry(ctx context.Context, name string, arguments map[string]interface{}) (*types.ToolCallResult, error) {
	var result *types.ToolCallResult
	err := p.Do(ctx, func(c *Client) error {
		r, err := c.CallTool(ctx, name, arguments)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// Do runs fn against healthy endpoints with up to max_retries attempts. A
// failing endpoint is marked unhealthy and skipped for the remaining
// attempts of this call.
func (p *Pool) Do(ctx context.Context, fn func(c *Client) error) error {
	tried := make(map[*poolEndpoint]bool)
	var lastErr error

	for attempt := 1; attempt <= p.retries; attempt++ {
		pe := p.pick(tried)
		if pe == nil {
			if lastErr != nil {
				return fmt.Errorf("no healthy endpoints left: %w", lastErr)
			}
			return fmt.Errorf("no healthy endpoints available")
		}

		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * p.backoff):
			}
		}

		if err := fn(pe.client); err != nil {
			lastErr = err
			pe.markFailure(err)
			tried[pe] = true
			p.logger.Warn("pool call failed",
				"endpoint", pe.client.Endpoint(), "attempt", attempt, "error", err.Error())
			continue
		}
		pe.markSuccess()
		return nil
	}
	return fmt.Errorf("call failed after %d attempts: %w", p.retries, lastErr)
}

// Stats snapshots per-endpoint and aggregate counters
func (p *Pool) Stats() PoolStats {
	stats := PoolStats{}
	for _, pe := range p.endpoints {
		pe.mu.Lock()
		es := EndpointStats{
			Endpoint:  pe.client.Endpoint(),
			Healthy:   pe.healthy,
			Success:   pe.success,
			Failure:   pe.failure,
			LastError: pe.lastError,
			LastCheck: pe.lastCheck,
		}
		pe.mu.Unlock()
		stats.Endpoints = append(stats.Endpoints, es)
		stats.TotalSuccess += es.Success
		stats.TotalFailure += es.Failure
	}
	return stats
}
