// Package scorer calls the package-risk scoring sidecar. Scores are cached
// across tiers and individual lookups are coalesced through the request
// batcher, so a scan of a large dependency tree issues far fewer HTTP calls
// than it has packages.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/depvet/depvet/cache"
	"github.com/depvet/depvet/config"
	"github.com/depvet/depvet/log"
	"github.com/depvet/depvet/netpool"
)

// NeutralScore is returned when the sidecar is unreachable or replies with
// garbage. A scan must not fail just because scoring is down.
const NeutralScore = 0.5

var ErrBadStatus = errors.New("scorer: unexpected response status")

// Features are the model inputs for one package version.
type Features struct {
	Entropy        float64 `json:"entropy"`
	StringCount    int     `json:"string_count"`
	EvalCount      int     `json:"eval_count"`
	NetworkCalls   int     `json:"network_calls"`
	InstallScripts int     `json:"install_scripts"`
	SizeBytes      int64   `json:"size_bytes"`
}

type scoreRequest struct {
	Features Features `json:"features"`
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

var fetchWarnEvery = log.NewEvery(time.Minute)

// Client scores packages through the sidecar, fronted by the multi-tier
// cache and the request batcher.
type Client struct {
	baseURL string
	domain  string
	timeout time.Duration
	cache   *cache.MultiTierCache
	pool    *netpool.ConnectionPool
	batcher *netpool.RequestBatcher
}

// New wires a scoring client against an already-running cache, pool, and
// batcher. The client owns none of them.
func New(cfg config.ScorerConfig, c *cache.MultiTierCache, pool *netpool.ConnectionPool, batcher *netpool.RequestBatcher) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("scorer: parse url %s: %w", log.SanitizeURL(cfg.URL), err)
	}
	return &Client{
		baseURL: cfg.URL,
		domain:  u.Hostname(),
		timeout: cfg.Timeout,
		cache:   c,
		pool:    pool,
		batcher: batcher,
	}, nil
}

// Score returns the risk score in [0, 1] for one package version. Cache
// misses go through the batcher; any transport or decode failure degrades
// to NeutralScore rather than an error so callers never stall a scan on
// the sidecar.
func (s *Client) Score(ctx context.Context, name, version string, f Features) float64 {
	key := "score:" + name + "@" + version

	if res := s.cache.Get(ctx, key); res.Hit {
		var resp scoreResponse
		if err := json.Unmarshal(res.Value, &resp); err == nil {
			return resp.Score
		}
		// Corrupt entry, drop it and refetch.
		s.cache.Delete(ctx, key)
	}

	value, err := s.batcher.AddRequest(ctx, s.baseURL, 0, func(ctx context.Context) (interface{}, error) {
		return s.fetch(ctx, f)
	})
	if err != nil {
		if fetchWarnEvery.ShouldLog() {
			log.WarningLog.Printf("score fetch for %s@%s failed, using neutral: %v", name, version, err)
		}
		return NeutralScore
	}

	score := value.(float64)
	if raw, err := json.Marshal(scoreResponse{Score: score}); err == nil {
		s.cache.Set(ctx, key, raw)
	}
	return score
}

func (s *Client) fetch(ctx context.Context, f Features) (interface{}, error) {
	agent, err := s.pool.GetAgent(s.baseURL)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(scoreRequest{Features: f})
	if err != nil {
		return nil, fmt.Errorf("scorer: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	s.pool.TrackConnection(s.baseURL, true)
	defer s.pool.TrackConnection(s.baseURL, false)

	resp, err := agent.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.pool.RecordTimeout()
		} else {
			s.pool.RecordError()
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.pool.RecordError()
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		s.pool.RecordError()
		return nil, fmt.Errorf("scorer: decode response: %w", err)
	}
	if out.Score < 0 || out.Score > 1 {
		return nil, fmt.Errorf("scorer: score %v out of range", out.Score)
	}
	return out.Score, nil
}
