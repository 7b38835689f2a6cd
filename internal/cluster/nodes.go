// Package cluster tracks peer relay nodes and fans accepted envelopes
// out to them. Replication is best-effort: a peer that is down simply
// misses the copy.
package cluster

import (
	"sync"
	"time"

	"github.com/quietwire/relay/internal/clock"
	"github.com/quietwire/relay/internal/monitoring"
)

// Node is one peer relay known to this node.
type Node struct {
	URL       string
	PublicKey string
	LastSeen  time.Time
}

// NodeSet owns the peer view. Registration is idempotent; peers are
// never evicted, they persist until process exit.
type NodeSet struct {
	mu    sync.Mutex
	nodes map[string]*Node // keyed by URL

	clk clock.Clock
}

func NewNodeSet(clk clock.Clock) *NodeSet {
	return &NodeSet{
		nodes: make(map[string]*Node),
		clk:   clk,
	}
}

// Register inserts or refreshes a peer and reports whether it was new.
func (s *NodeSet) Register(url, publicKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.nodes[url]
	if !exists {
		node = &Node{URL: url}
		s.nodes[url] = node
		monitoring.NodesKnown.Set(float64(len(s.nodes)))
	}
	node.PublicKey = publicKey
	node.LastSeen = s.clk.Now()
	return !exists
}

// List snapshots the current peer view.
func (s *NodeSet) List() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, *node)
	}
	return out
}

// Count returns the number of known peers.
func (s *NodeSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}
