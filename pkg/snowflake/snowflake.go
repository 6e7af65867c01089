// Package snowflake generates roughly time-ordered 63-bit row ids for the
// durable message log.
package snowflake

import (
	"fmt"
	"sync"
	"time"
)

const (
	nodeBits  = 10
	stepBits  = 12
	nodeMax   = -1 ^ (-1 << nodeBits)
	stepMask  = -1 ^ (-1 << stepBits)
	timeShift = nodeBits + stepBits
	nodeShift = stepBits

	// Epoch matches model.Epoch: 2024-01-01 00:00:00 UTC.
	Epoch int64 = 1704067200000
)

type Node struct {
	mu   sync.Mutex
	last int64
	node int64
	step int64
	now  func() int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, fmt.Errorf("snowflake: node %d must be between 0 and %d", node, nodeMax)
	}
	return &Node{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Generate returns the next id. Ids from one node are strictly increasing,
// even when the wall clock steps backwards.
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	ms := max(n.now(), n.last)
	switch {
	case ms > n.last:
		n.step = 0
	case n.step < stepMask:
		n.step++
	default:
		ms = n.waitAfter(n.last)
		n.step = 0
	}
	n.last = ms

	return ((ms - Epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// waitAfter spins until the clock passes ms.
func (n *Node) waitAfter(ms int64) int64 {
	for {
		if now := n.now(); now > ms {
			return now
		}
	}
}

// Time returns the millisecond timestamp embedded in id.
func Time(id int64) int64 {
	return id>>timeShift + Epoch
}

// NodeOf returns the node number embedded in id.
func NodeOf(id int64) int64 {
	return (id >> nodeShift) & nodeMax
}
