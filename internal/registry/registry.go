// Package registry provides the capability registry clients. The
// registry is an external service that owns node capability data; the
// clients here only read it and may hold short-lived cached snapshots.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge-net/taskforge/internal/domain"
)

// ─── HTTP Client ────────────────────────────────────────────────────────────

// Client queries a remote capability registry over HTTP, caching
// responses per query for a short TTL so a busy scheduler does not
// hammer the registry every tick.
type Client struct {
	baseURL string
	http    *http.Client
	ttl     time.Duration
	log     zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	nodes   []domain.NodeCapability
	fetched time.Time
}

// NewClient creates a registry client for the given base URL.
func NewClient(baseURL string, ttl time.Duration, log zerolog.Logger) *Client {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		ttl:     ttl,
		log:     log.With().Str("component", "registry").Logger(),
		cache:   make(map[string]cacheEntry),
	}
}

// ListEligibleNodes returns nodes declaring support for the task type
// with at least the requested free resources. A recent cached snapshot
// is served without a network round trip.
func (c *Client) ListEligibleNodes(ctx context.Context, taskType domain.TaskType, cpuCores, memoryMB int) ([]domain.NodeCapability, error) {
	key := fmt.Sprintf("%s/%d/%d", taskType, cpuCores, memoryMB)

	c.mu.Lock()
	if e, ok := c.cache[key]; ok && time.Since(e.fetched) < c.ttl {
		nodes := e.nodes
		c.mu.Unlock()
		return nodes, nil
	}
	c.mu.Unlock()

	q := url.Values{}
	q.Set("task_type", string(taskType))
	q.Set("cpu", strconv.Itoa(cpuCores))
	q.Set("memory", strconv.Itoa(memoryMB))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/nodes?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRegistryUnreachable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRegistryUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: registry returned %d", domain.ErrRegistryUnreachable, resp.StatusCode)
	}

	var payload struct {
		Nodes []domain.NodeCapability `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrRegistryUnreachable, err)
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{nodes: payload.Nodes, fetched: time.Now()}
	c.mu.Unlock()

	c.log.Debug().Str("task_type", string(taskType)).Int("nodes", len(payload.Nodes)).
		Msg("registry snapshot refreshed")
	return payload.Nodes, nil
}

// ─── Static Registry ────────────────────────────────────────────────────────

// Static serves a fixed node set from configuration. Used for
// single-node deployments and tests; filtering matches what a real
// registry would return for the query.
type Static struct {
	mu    sync.Mutex
	nodes []domain.NodeCapability
}

// NewStatic creates a registry over a fixed node list.
func NewStatic(nodes []domain.NodeCapability) *Static {
	return &Static{nodes: nodes}
}

// ListEligibleNodes filters the fixed set by type and resources.
func (s *Static) ListEligibleNodes(_ context.Context, taskType domain.TaskType, cpuCores, memoryMB int) ([]domain.NodeCapability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.NodeCapability
	for _, n := range s.nodes {
		if n.CPUCores < cpuCores || n.MemoryMB < memoryMB {
			continue
		}
		for _, tt := range n.SupportedTypes {
			if tt == taskType {
				out = append(out, n)
				break
			}
		}
	}
	return out, nil
}

// SetLoad updates a node's reported load, for tests and local setups.
func (s *Static) SetLoad(nodeID string, load float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.nodes {
		if s.nodes[i].NodeID == nodeID {
			s.nodes[i].Load = load
		}
	}
}
