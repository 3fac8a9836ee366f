package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beacon-iot/edgegate/internal/logger"
	"github.com/beacon-iot/edgegate/internal/metrics"
	"github.com/beacon-iot/edgegate/internal/version"
)

// HealthChangeFunc is called when the pool enters an outage (no healthy endpoint after a sweep
// or a failed call) and when it leaves one.
type HealthChangeFunc func(healthy, total int)

// PoolOptions configures probing. Zero values fall back to the defaults below.
type PoolOptions struct {
	APIVersion     string
	SweepInterval  time.Duration
	ProbeTimeout   time.Duration
	HTTPClient     *http.Client
	OnHealthChange HealthChangeFunc
}

// Pool tracks backend endpoints and keeps the healthy ones ranked by probe latency.
// All methods are safe for concurrent use.
type Pool struct {
	opts   PoolOptions
	client *http.Client
	log    *logrus.Entry

	mu          sync.Mutex
	endpoints   map[string]*Endpoint
	ranked      []*Endpoint
	cursor      int
	lastHealthy int
	outage      bool
}

// PoolStatus is the operator view returned by Status.
type PoolStatus struct {
	Total     int        `json:"total_nodes"`
	Healthy   int        `json:"healthy_nodes"`
	Current   string     `json:"current_node,omitempty"`
	Endpoints []Endpoint `json:"nodes"`
}

// NewPool returns an empty pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Pool{
		opts:      opts,
		client:    client,
		log:       logger.Component("discovery"),
		endpoints: make(map[string]*Endpoint),
	}
}

// Add parses a static node string and registers it. New endpoints start unhealthy
// and join the ranked set after their first successful probe.
func (p *Pool) Add(raw string) (Endpoint, error) {
	ep, err := ParseEndpoint(raw, p.opts.APIVersion)
	if err != nil {
		return Endpoint{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.endpoints[ep.ID()]; ok {
		return *existing, nil
	}
	p.endpoints[ep.ID()] = &ep
	p.log.WithField("endpoint", ep.ID()).Info("Added backend endpoint")
	return ep, nil
}

// AddStatic registers every parseable node, logging the ones that are not.
func (p *Pool) AddStatic(nodes []string) int {
	added := 0
	for _, raw := range nodes {
		if _, err := p.Add(raw); err != nil {
			p.log.WithError(err).WithField("node", raw).Error("Failed to parse static backend node")
			continue
		}
		added++
	}
	return added
}

// Pick returns the next healthy endpoint in ranked round-robin order.
func (p *Pool) Pick() (Endpoint, error) {
	return p.PickExcluding(nil)
}

// PickExcluding is Pick that skips the given endpoint ids.
func (p *Pool) PickExcluding(skip map[string]bool) (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.ranked)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		ep := p.ranked[idx]
		if skip[ep.ID()] {
			continue
		}
		p.cursor = (idx + 1) % n
		return *ep, nil
	}
	return Endpoint{}, ErrNoEndpointAvailable
}

// MarkUnhealthy drops an endpoint from the ranked set until its next successful probe.
func (p *Pool) MarkUnhealthy(id string) {
	p.mu.Lock()
	ep, ok := p.endpoints[id]
	if ok {
		ep.Healthy = false
		p.removeRankedLocked(id)
	}
	p.mu.Unlock()

	if ok {
		p.log.WithField("endpoint", id).Warn("Backend endpoint marked unhealthy")
		p.afterChange(true)
	}
}

// Probe health-checks one endpoint. Failure removes it from the ranked set immediately;
// success records latency and restores it.
func (p *Pool) Probe(ctx context.Context, id string) bool {
	p.mu.Lock()
	ep, ok := p.endpoints[id]
	var url string
	if ok {
		url = ep.HealthURL()
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	latency, err := p.check(ctx, url)

	p.mu.Lock()
	if err != nil {
		ep.Healthy = false
		p.removeRankedLocked(id)
	} else {
		ep.Healthy = true
		ep.Latency = latency
		ep.LastSeen = time.Now()
		if !p.rankedLocked(id) {
			p.ranked = append(p.ranked, ep)
			p.sortRankedLocked()
		}
	}
	p.mu.Unlock()

	if err != nil {
		p.log.WithError(err).WithField("endpoint", id).Debug("Backend health probe failed")
	} else {
		p.log.WithFields(logrus.Fields{"endpoint": id, "latency_ms": latency.Milliseconds()}).Debug("Backend endpoint healthy")
	}
	p.afterChange(false)
	return err == nil
}

// Sweep probes every known endpoint concurrently and re-sorts the healthy set by latency.
// A probe that panics counts as a failed probe and does not abort the sweep.
func (p *Pool) Sweep(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.endpoints))
	for id := range p.endpoints {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.log.WithField("endpoint", id).Errorf("Health probe panicked: %v", r)
					p.MarkUnhealthy(id)
				}
			}()
			p.Probe(ctx, id)
		}(id)
	}
	wg.Wait()

	p.mu.Lock()
	p.rerankLocked()
	healthy, total := len(p.ranked), len(p.endpoints)
	p.mu.Unlock()

	if healthy == 0 {
		p.log.WithField("total", total).Error("No healthy backend endpoints available")
	}
	p.afterChange(true)
}

// Run sweeps once immediately and then every SweepInterval until ctx is cancelled.
func (p *Pool) Run(ctx context.Context, discoveryDomains []string) {
	for _, domain := range discoveryDomains {
		p.log.WithField("domain", domain).Debug("DNS SRV discovery not enabled, using static nodes only")
	}

	p.Sweep(ctx)

	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// HealthyCount returns the size of the ranked set.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ranked)
}

// Status snapshots the pool for the status endpoint.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStatus{Total: len(p.endpoints), Healthy: len(p.ranked)}
	if len(p.ranked) > 0 {
		st.Current = p.ranked[p.cursor%len(p.ranked)].ID()
	}
	for _, ep := range p.endpoints {
		st.Endpoints = append(st.Endpoints, *ep)
	}
	sort.Slice(st.Endpoints, func(i, j int) bool { return st.Endpoints[i].ID() < st.Endpoints[j].ID() })
	return st
}

func (p *Pool) check(ctx context.Context, url string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", version.UserAgent())

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}
	return latency, nil
}

// afterChange publishes the healthy count. An outage starts only when settled is true,
// so one failed probe in the middle of a sweep is not reported.
func (p *Pool) afterChange(settled bool) {
	p.mu.Lock()
	healthy, total := len(p.ranked), len(p.endpoints)
	prev := p.lastHealthy
	p.lastHealthy = healthy
	notify := false
	switch {
	case healthy == 0 && settled && !p.outage:
		p.outage, notify = true, true
	case healthy > 0 && p.outage:
		p.outage, notify = false, true
	}
	cb := p.opts.OnHealthChange
	p.mu.Unlock()

	if healthy != prev {
		metrics.SetHealthyEndpoints(healthy)
		p.log.WithFields(logrus.Fields{"healthy": healthy, "total": total}).Info("Healthy backend endpoints changed")
	}
	if notify && cb != nil {
		cb(healthy, total)
	}
}

func (p *Pool) rankedLocked(id string) bool {
	for _, ep := range p.ranked {
		if ep.ID() == id {
			return true
		}
	}
	return false
}

func (p *Pool) removeRankedLocked(id string) {
	for i, ep := range p.ranked {
		if ep.ID() == id {
			p.ranked = append(p.ranked[:i], p.ranked[i+1:]...)
			if p.cursor > i {
				p.cursor--
			}
			break
		}
	}
	if len(p.ranked) == 0 || p.cursor >= len(p.ranked) {
		p.cursor = 0
	}
}

func (p *Pool) rerankLocked() {
	p.ranked = p.ranked[:0]
	for _, ep := range p.endpoints {
		if ep.Healthy {
			p.ranked = append(p.ranked, ep)
		}
	}
	p.sortRankedLocked()
	if len(p.ranked) == 0 || p.cursor >= len(p.ranked) {
		p.cursor = 0
	}
}

func (p *Pool) sortRankedLocked() {
	sort.SliceStable(p.ranked, func(i, j int) bool {
		if p.ranked[i].Latency != p.ranked[j].Latency {
			return p.ranked[i].Latency < p.ranked[j].Latency
		}
		return p.ranked[i].ID() < p.ranked[j].ID()
	})
}
