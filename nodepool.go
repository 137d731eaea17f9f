package coldb

import "sync"

// NodePool recycles the scratch buffers that hold a node's decoded elements while Set or Insert
// rewrites it at a wider width, avoiding a fresh allocation on each promotion. It mirrors the
// teacher's node pooling pattern: a sync.Pool whose new buffers are pre-sized by a hint; the pool
// places no bound on how many buffers it holds.
type NodePool struct {
	pool sync.Pool
	size int64
}

// NewNodePool builds a pool pre-sized to hint, the expected element count of a typical node
// payload (LeafMax-ish); the hint only seeds buffer capacity, it never bounds how many buffers
// the pool can hold.
func NewNodePool(hint int64) *NodePool {
	if hint <= 0 {
		hint = LeafMax
	}

	np := &NodePool{size: hint}
	np.pool.New = func() interface{} {
		return make([]int64, 0, np.size)
	}

	return np
}

// Get returns a zero-length scratch slice with capacity for at least size elements.
func (np *NodePool) Get(size int) []int64 {
	buf := np.pool.Get().([]int64)
	if cap(buf) < size {
		return make([]int64, 0, size)
	}

	return buf[:0]
}

// Put returns buf to the pool for reuse.
func (np *NodePool) Put(buf []int64) {
	np.pool.Put(buf[:0])
}
