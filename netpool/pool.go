// Package netpool manages outbound network resources for scan jobs: a
// per-domain keep-alive connection pool and a request batcher that
// coalesces small registry/advisory lookups into bounded dispatch windows.
package netpool

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/depvet/depvet/config"
	"github.com/depvet/depvet/log"
)

// Agent is the reusable handle for one destination domain. All requests to
// the domain share its keep-alive transport.
type Agent struct {
	Domain    string
	Client    *http.Client
	CreatedAt time.Time

	transport *http.Transport
}

// connTrack aggregates connection activity for one domain.
type connTrack struct {
	createdAt    time.Time
	lastUsed     time.Time
	requestCount uint64
	active       int // in-flight requests
}

// DomainStats is the read-only per-domain view exposed by GetStats.
type DomainStats struct {
	Domain       string    `json:"domain"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used"`
	RequestCount uint64    `json:"request_count"`
	Active       bool      `json:"active"`
}

// PoolStats is the pool-wide snapshot.
type PoolStats struct {
	Domains       int                    `json:"domains"`
	ActiveDomains int                    `json:"active_domains"`
	TotalRequests uint64                 `json:"total_requests"`
	Errors        uint64                 `json:"errors"`
	Timeouts      uint64                 `json:"timeouts"`
	Reclaimed     uint64                 `json:"reclaimed"`
	PerDomain     map[string]DomainStats `json:"per_domain"`
}

// ConnectionPool hands out one keep-alive agent per destination domain and
// reclaims agents whose connections have been idle past the configured
// timeout. Registry and advisory endpoints rate-limit aggressively, so the
// point is to keep a small, warm set of connections per host rather than
// opening one per lookup.
type ConnectionPool struct {
	cfg config.PoolConfig

	mu     sync.Mutex
	agents map[string]*Agent
	tracks map[string]*connTrack
	closed bool

	errors    atomic.Uint64
	timeouts  atomic.Uint64
	reclaimed atomic.Uint64

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewConnectionPool creates a pool and starts its idle-reclamation sweep.
func NewConnectionPool(cfg config.PoolConfig) *ConnectionPool {
	if cfg.MaxPerDomain < 1 {
		cfg.MaxPerDomain = 6
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}

	p := &ConnectionPool{
		cfg:    cfg,
		agents: make(map[string]*Agent),
		tracks: make(map[string]*connTrack),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// GetAgent returns the shared agent for rawURL's domain, creating it on the
// first request. Two URLs on the same domain always share one agent; URLs
// on different domains never do.
func (p *ConnectionPool) GetAgent(rawURL string) (*Agent, error) {
	domain, err := domainOf(rawURL)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("connection pool is closed")
	}

	if agent, ok := p.agents[domain]; ok {
		return agent, nil
	}

	transport := &http.Transport{
		MaxConnsPerHost:     p.cfg.MaxPerDomain,
		MaxIdleConnsPerHost: p.cfg.MaxPerDomain,
		IdleConnTimeout:     p.cfg.IdleTimeout,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: p.cfg.KeepAlive,
		}).DialContext,
	}

	agent := &Agent{
		Domain:    domain,
		CreatedAt: time.Now(),
		Client: &http.Client{
			Transport: transport,
			Timeout:   p.cfg.RequestTimeout,
		},
		transport: transport,
	}
	p.agents[domain] = agent
	p.tracks[domain] = &connTrack{createdAt: time.Now(), lastUsed: time.Now()}

	log.DebugLog.Printf("connection pool: new agent for %s", domain)
	return agent, nil
}

// TrackConnection records a request starting (active=true) or finishing
// (active=false) against rawURL's domain.
func (p *ConnectionPool) TrackConnection(rawURL string, active bool) {
	domain, err := domainOf(rawURL)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	track, ok := p.tracks[domain]
	if !ok {
		track = &connTrack{createdAt: time.Now()}
		p.tracks[domain] = track
	}

	track.lastUsed = time.Now()
	if active {
		track.active++
		track.requestCount++
	} else if track.active > 0 {
		track.active--
	}
}

// RecordError counts a failed request.
func (p *ConnectionPool) RecordError() {
	p.errors.Add(1)
}

// RecordTimeout counts a timed-out request. A timeout is a per-request
// failure; it never tears the pool down.
func (p *ConnectionPool) RecordTimeout() {
	p.timeouts.Add(1)
}

// GetStats returns a read-only snapshot for the diagnostics layer.
func (p *ConnectionPool) GetStats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Domains:   len(p.agents),
		Errors:    p.errors.Load(),
		Timeouts:  p.timeouts.Load(),
		Reclaimed: p.reclaimed.Load(),
		PerDomain: make(map[string]DomainStats, len(p.tracks)),
	}
	for domain, track := range p.tracks {
		stats.TotalRequests += track.requestCount
		if track.active > 0 {
			stats.ActiveDomains++
		}
		stats.PerDomain[domain] = DomainStats{
			Domain:       domain,
			CreatedAt:    track.createdAt,
			LastUsed:     track.lastUsed,
			RequestCount: track.requestCount,
			Active:       track.active > 0,
		}
	}
	return stats
}

// Close destroys every agent and resets all counters to zero. Idempotent
// and safe with no outstanding requests.
func (p *ConnectionPool) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		<-p.doneCh
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, agent := range p.agents {
		agent.transport.CloseIdleConnections()
	}
	p.agents = make(map[string]*Agent)
	p.tracks = make(map[string]*connTrack)
	p.errors.Store(0)
	p.timeouts.Store(0)
	p.reclaimed.Store(0)
}

// cleanupLoop reclaims agents whose domains have had no in-flight requests
// for longer than the idle timeout.
func (p *ConnectionPool) cleanupLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reclaimIdle()
		}
	}
}

func (p *ConnectionPool) reclaimIdle() {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for domain, track := range p.tracks {
		if track.active > 0 || now.Sub(track.lastUsed) <= p.cfg.IdleTimeout {
			continue
		}
		if agent, ok := p.agents[domain]; ok {
			agent.transport.CloseIdleConnections()
			delete(p.agents, domain)
		}
		delete(p.tracks, domain)
		p.reclaimed.Add(1)
		log.DebugLog.Printf("connection pool: reclaimed idle agent for %s", domain)
	}
}

// domainOf extracts the destination domain from a URL.
func domainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %s: %w", log.SanitizeURL(rawURL), err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("url %s has no host", log.SanitizeURL(rawURL))
	}
	return host, nil
}
