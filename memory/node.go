package memory

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NodeMemory bundles the per-node volatile resources. Today that is
// the volatile page pool; the struct exists so the engine hands one
// handle per node around.
type NodeMemory struct {
	node uint16
	pool *PagePool
}

func (n *NodeMemory) Node() uint16           { return n.node }
func (n *NodeMemory) VolatilePool() *PagePool { return n.pool }

// EngineMemory owns one NodeMemory per NUMA node.
type EngineMemory struct {
	nodes []*NodeMemory
}

// NewEngineMemory constructs the per-node pools. poolBytesPerNode
// must be at least MinPoolBytes.
func NewEngineMemory(nodeCount uint16, poolBytesPerNode uint64, logger logrus.FieldLogger) (*EngineMemory, error) {
	em := &EngineMemory{}
	for node := uint16(0); node < nodeCount; node++ {
		pool, err := NewPagePool(node, poolBytesPerNode, logger)
		if err != nil {
			em.Close()
			return nil, errors.Wrapf(err, "acquiring page pool for node %d", node)
		}
		em.nodes = append(em.nodes, &NodeMemory{node: node, pool: pool})
	}
	return em, nil
}

// NodeCount returns the number of nodes.
func (m *EngineMemory) NodeCount() uint16 { return uint16(len(m.nodes)) }

// NodeMemory returns the handle for one node.
func (m *EngineMemory) NodeMemory(node uint16) *NodeMemory { return m.nodes[node] }

// Close tears down every pool.
func (m *EngineMemory) Close() {
	for _, n := range m.nodes {
		n.pool.Close()
	}
	m.nodes = nil
}
