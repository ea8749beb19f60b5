package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Pool tracks an ordered, shuffled set of candidate endpoints for one
// request category together with their last known health. Requests walk the
// pool front to back, skipping endpoints marked unhealthy; the out-of-band
// prober flips health state on a fixed interval.
type Pool struct {
	mu        sync.Mutex
	endpoints []string
	healthy   map[string]bool
}

// NewPool validates and shuffles the provided endpoint URLs. Every endpoint
// starts out healthy until a probe says otherwise.
func NewPool(endpoints []string) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("chain: no endpoints specified")
	}

	normalized := make([]string, 0, len(endpoints))
	healthy := make(map[string]bool, len(endpoints))
	for _, endpoint := range endpoints {
		parsed, err := url.Parse(endpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("chain: invalid endpoint %q", endpoint)
		}
		base := parsed.Scheme + "://" + parsed.Host
		if healthy[base] {
			continue
		}
		normalized = append(normalized, base)
		healthy[base] = true
	}

	rand.Shuffle(len(normalized), func(i, j int) {
		normalized[i], normalized[j] = normalized[j], normalized[i]
	})

	return &Pool{endpoints: normalized, healthy: healthy}, nil
}

// Endpoints returns a copy of the pool's endpoint list in current order.
func (p *Pool) Endpoints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.endpoints...)
}

// MarkHealth records the probe verdict for one endpoint.
func (p *Pool) MarkHealth(endpoint string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, known := p.healthy[endpoint]; known {
		p.healthy[endpoint] = ok
	}
}

// Healthy reports the last probe verdict for one endpoint.
func (p *Pool) Healthy(endpoint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy[endpoint]
}

// rotate moves the front endpoint to the back so persistently failing hosts
// drift away from the head of the list.
func (p *Pool) rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.endpoints) < 2 {
		return
	}
	p.endpoints = append(p.endpoints[1:], p.endpoints[0])
}

// iterator walks the pool, yielding healthy endpoints until each has been
// offered once.
type endpointIterator struct {
	pool    *Pool
	current string
	seen    int
}

func (p *Pool) iterator() *endpointIterator {
	it := &endpointIterator{pool: p}
	it.current = it.advance(false)
	return it
}

// next rotates to the following healthy endpoint; it returns false once the
// pool is exhausted.
func (it *endpointIterator) next() bool {
	it.current = it.advance(true)
	return it.current != ""
}

func (it *endpointIterator) advance(rotate bool) string {
	if rotate {
		it.pool.rotate()
		it.seen++
	}
	it.pool.mu.Lock()
	total := len(it.pool.endpoints)
	it.pool.mu.Unlock()

	for i := it.seen; i < total; i++ {
		it.pool.mu.Lock()
		front := it.pool.endpoints[0]
		ok := it.pool.healthy[front]
		it.pool.mu.Unlock()
		if ok {
			return front
		}
		it.pool.rotate()
		it.seen++
	}
	return ""
}

// ProbeFunc checks one endpoint and returns an error when it should be
// marked unhealthy.
type ProbeFunc func(ctx context.Context, client *http.Client, endpoint string) error

// Prober re-checks the health of every endpoint in its pools on a fixed
// interval. One prober is shared by all accounts in the process.
type Prober struct {
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	pools []proberEntry
}

type proberEntry struct {
	category string
	pool     *Pool
	probe    ProbeFunc
}

// NewProber constructs a prober. A non-positive interval falls back to the
// 10 minute default used by the chain health checks.
func NewProber(client *http.Client, logger *slog.Logger, interval time.Duration) *Prober {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Prober{interval: interval, client: client, logger: logger, now: time.Now}
}

// Register adds a pool under a category with its probe function.
func (p *Prober) Register(category string, pool *Pool, probe ProbeFunc) {
	if pool == nil || probe == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pools = append(p.pools, proberEntry{category: category, pool: pool, probe: probe})
}

// Run probes all registered pools on the configured interval until the
// context is cancelled.
func (p *Prober) Run(ctx context.Context) {
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
}

// CheckAll probes every endpoint of every registered pool once.
func (p *Prober) CheckAll(ctx context.Context) {
	p.mu.Lock()
	entries := append([]proberEntry{}, p.pools...)
	p.mu.Unlock()

	for _, entry := range entries {
		for _, endpoint := range entry.pool.Endpoints() {
			err := entry.probe(ctx, p.client, endpoint)
			entry.pool.MarkHealth(endpoint, err == nil)
			if err != nil {
				p.logger.Warn("endpoint unhealthy",
					"category", entry.category,
					"endpoint", endpoint,
					"error", err)
			}
		}
	}
}

// maxHeadBlockAge is how stale a head block may be before the serving
// endpoint is considered unhealthy.
const maxHeadBlockAge = 10 * time.Minute

// RPCProbe checks a chain RPC endpoint by fetching get_info and verifying
// head block recency.
func RPCProbe(now func() time.Time) ProbeFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, client *http.Client, endpoint string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/chain/get_info", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("chain: unexpected status %d", resp.StatusCode)
		}
		var info ChainInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return fmt.Errorf("chain: decode get_info: %w", err)
		}
		if info.HeadBlockTime.IsZero() || now().Sub(info.HeadBlockTime.Time) > maxHeadBlockAge {
			return fmt.Errorf("chain: head block too old (%s)", info.HeadBlockTime.Time)
		}
		return nil
	}
}

type historyHealthResponse struct {
	Health []struct {
		Service     string `json:"service"`
		Status      string `json:"status"`
		ServiceData struct {
			HeadBlockTime ChainTime `json:"head_block_time"`
		} `json:"service_data"`
	} `json:"health"`
}

// HistoryProbe checks a history endpoint's composite health report: every
// subservice must be OK and the RPC subservice's head block must be recent.
func HistoryProbe(now func() time.Time) ProbeFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, client *http.Client, endpoint string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/v2/health", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("chain: unexpected status %d", resp.StatusCode)
		}
		var health historyHealthResponse
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return fmt.Errorf("chain: decode health: %w", err)
		}

		var headBlockTime time.Time
		for _, service := range health.Health {
			if service.Status != "OK" {
				return fmt.Errorf("chain: service %s is not functional", service.Service)
			}
			if service.Service == "NodeosRPC" {
				headBlockTime = service.ServiceData.HeadBlockTime.Time
			}
		}
		if headBlockTime.IsZero() || now().Sub(headBlockTime) > maxHeadBlockAge {
			return fmt.Errorf("chain: head block too old (%s)", headBlockTime)
		}
		return nil
	}
}
