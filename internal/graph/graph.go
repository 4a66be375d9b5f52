// Package graph maintains the process-wide relationship graph among users,
// IPs, and devices, and propagates risk between entities that share an edge.
package graph

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const shardCount = 32

// Config controls edge lifetime and risk propagation.
type Config struct {
	// EdgeTTL bounds both edge lifetime and what counts as a "recent"
	// co-occurrence during propagation.
	EdgeTTL time.Duration

	// ElevatedScore is the neighbor score at or above which risk
	// propagates across a shared edge.
	ElevatedScore float64

	// Attenuation discounts propagated scores.
	Attenuation float64
}

// Graph is an undirected co-occurrence graph over user/ip/device nodes.
// State is sharded by node key so unrelated edge updates never contend on
// one lock; an edge spanning two shards is stored in both endpoints'
// adjacency maps and the shards are locked one at a time.
type Graph struct {
	cfg    Config
	shards [shardCount]shard
}

type shard struct {
	mu    sync.Mutex
	adj   map[string]map[string]*edge
	marks map[string]mark
}

type edge struct {
	Count    int64
	LastSeen time.Time
}

// mark is the per-user risk annotation used for propagation.
type mark struct {
	Frozen bool
	Score  float64
	At     time.Time
}

// New creates an empty graph.
func New(cfg Config) *Graph {
	g := &Graph{cfg: cfg}
	for i := range g.shards {
		g.shards[i].adj = make(map[string]map[string]*edge)
		g.shards[i].marks = make(map[string]mark)
	}
	return g
}

// UserKey returns the node key for a user id.
func UserKey(user string) string { return "user:" + user }

// IPKey returns the node key for an IP address.
func IPKey(ip string) string { return "ip:" + ip }

// DeviceKey returns the node key for a device id.
func DeviceKey(device string) string { return "device:" + device }

func (g *Graph) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &g.shards[h.Sum32()%shardCount]
}

// Record upserts the user-ip, user-device, and ip-device edges for one
// event. Empty identifiers are skipped.
func (g *Graph) Record(user, ip, device string, ts time.Time) {
	var keys []string
	if user != "" {
		keys = append(keys, UserKey(user))
	}
	if ip != "" {
		keys = append(keys, IPKey(ip))
	}
	if device != "" {
		keys = append(keys, DeviceKey(device))
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			g.upsertHalf(keys[i], keys[j], ts)
			g.upsertHalf(keys[j], keys[i], ts)
		}
	}
}

func (g *Graph) upsertHalf(from, to string, ts time.Time) {
	s := g.shardFor(from)
	s.mu.Lock()
	defer s.mu.Unlock()
	neighbors := s.adj[from]
	if neighbors == nil {
		neighbors = make(map[string]*edge)
		s.adj[from] = neighbors
	}
	e := neighbors[to]
	if e == nil {
		e = &edge{}
		neighbors[to] = e
	}
	e.Count++
	if ts.After(e.LastSeen) {
		e.LastSeen = ts
	}
}

// MarkUser annotates a user node with its latest assessment outcome so
// later SharedRisk queries can propagate it.
func (g *Graph) MarkUser(user string, score float64, frozen bool, ts time.Time) {
	key := UserKey(user)
	s := g.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[key] = mark{Frozen: frozen, Score: score, At: ts}
}

// SharedRisk reports guilt-by-association risk for a user: elevated when a
// recently shared IP or device is also recently linked to a different user
// who is frozen or carries an elevated recent score. Returns a value in
// [0,1] and a human-readable rationale.
func (g *Graph) SharedRisk(user string, now time.Time) (float64, string) {
	neighbors := g.freshNeighbors(UserKey(user), now)
	if len(neighbors) == 0 {
		return 0, "no shared infrastructure"
	}

	best := 0.0
	rationale := "no risky neighbors on shared infrastructure"
	for _, infra := range neighbors {
		if strings.HasPrefix(infra, "user:") {
			continue
		}
		for _, other := range g.freshNeighbors(infra, now) {
			if !strings.HasPrefix(other, "user:") || other == UserKey(user) {
				continue
			}
			m, ok := g.markFor(other)
			if !ok || now.Sub(m.At) > g.cfg.EdgeTTL {
				continue
			}
			otherUser := strings.TrimPrefix(other, "user:")
			if m.Frozen {
				return 1.0, fmt.Sprintf("shares %s with frozen account %s", infra, otherUser)
			}
			if m.Score >= g.cfg.ElevatedScore {
				if v := m.Score * g.cfg.Attenuation; v > best {
					best = v
					rationale = fmt.Sprintf("shares %s with high-risk account %s (score %.2f)", infra, otherUser, m.Score)
				}
			}
		}
	}
	return best, rationale
}

// freshNeighbors copies the node's live adjacency, pruning expired edges
// in place while it holds the shard lock.
func (g *Graph) freshNeighbors(key string, now time.Time) []string {
	s := g.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	neighbors := s.adj[key]
	if len(neighbors) == 0 {
		return nil
	}
	out := make([]string, 0, len(neighbors))
	for nk, e := range neighbors {
		if now.Sub(e.LastSeen) > g.cfg.EdgeTTL {
			delete(neighbors, nk)
			continue
		}
		out = append(out, nk)
	}
	if len(neighbors) == 0 {
		delete(s.adj, key)
	}
	return out
}

func (g *Graph) markFor(key string) (mark, bool) {
	s := g.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.marks[key]
	return m, ok
}

// Sweep prunes expired edges and stale marks across all shards. Intended
// for a periodic background goroutine, not the assessment hot path.
func (g *Graph) Sweep(now time.Time) {
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		for key, neighbors := range s.adj {
			for nk, e := range neighbors {
				if now.Sub(e.LastSeen) > g.cfg.EdgeTTL {
					delete(neighbors, nk)
				}
			}
			if len(neighbors) == 0 {
				delete(s.adj, key)
			}
		}
		for key, m := range s.marks {
			if !m.Frozen && now.Sub(m.At) > g.cfg.EdgeTTL {
				delete(s.marks, key)
			}
		}
		s.mu.Unlock()
	}
}

// EdgeCount reports the number of live directed edge halves, for tests and
// diagnostics.
func (g *Graph) EdgeCount() int {
	total := 0
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		for _, neighbors := range s.adj {
			total += len(neighbors)
		}
		s.mu.Unlock()
	}
	return total
}
