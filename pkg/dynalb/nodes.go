package dynalb

import "sync"

// Node is one cluster member discovered via a topology probe.
// Identity is the address.
type Node struct {
	Address    string `json:"address"`
	Datacenter string `json:"datacenter"`
	Rack       string `json:"rack"`
}

// NodeRegistry holds the current set of known-live nodes.
//
// Writers fully replace the snapshot rather than patching it in place, so
// concurrent readers always observe one consistent member set.
type NodeRegistry struct {
	mu    sync.RWMutex
	nodes []Node
}

// NewNodeRegistry creates an empty registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{}
}

// Replace atomically installs a new snapshot.
func (r *NodeRegistry) Replace(nodes []Node) {

	snapshot := make([]Node, len(nodes))
	copy(snapshot, nodes)

	r.mu.Lock()
	r.nodes = snapshot
	r.mu.Unlock()
}

// Snapshot returns the current member set. The returned slice is never
// mutated after installation and must not be modified by callers.
func (r *NodeRegistry) Snapshot() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes
}

// IsEmpty reports whether no refresh has populated the registry yet.
func (r *NodeRegistry) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes) == 0
}

// Addresses returns the addresses of the current snapshot.
func (r *NodeRegistry) Addresses() []string {

	nodes := r.Snapshot()
	addresses := make([]string, len(nodes))
	for i, node := range nodes {
		addresses[i] = node.Address
	}

	return addresses
}

// Has reports whether an address belongs to the current snapshot.
func (r *NodeRegistry) Has(address string) bool {

	for _, node := range r.Snapshot() {
		if node.Address == address {
			return true
		}
	}

	return false
}
