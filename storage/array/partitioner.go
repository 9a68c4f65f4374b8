package array

import "ember/storage"

// Partitioner stripes leaves across nodes, so every leaf's records
// map to exactly one reducer and a leaf is always composed whole.
type Partitioner struct {
	recordsPerLeaf uint64
	nodes          uint16
}

var _ storage.Partitioner = (*Partitioner)(nil)

func (p *Partitioner) leafNode(leafIdx uint64) uint16 {
	return uint16(leafIdx % uint64(p.nodes))
}

// NodeOf returns the reducer node owning the keyed record.
func (p *Partitioner) NodeOf(key []byte) uint16 {
	index, err := DecodeKey(key)
	if err != nil {
		return 0
	}
	return p.leafNode(index / p.recordsPerLeaf)
}

// RootNode is where the final root is composed.
func (p *Partitioner) RootNode() uint16 { return 0 }

// Partitioned reports whether records spread over more than one node.
func (p *Partitioner) Partitioned() bool { return p.nodes > 1 }
