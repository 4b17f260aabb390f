package chatsync

import "sync"

type CursorResult int

const (
	CursorAdvanced CursorResult = iota
	CursorDuplicate
	CursorGap
	CursorIgnored
)

func (r CursorResult) String() string {
	switch r {
	case CursorAdvanced:
		return "advanced"
	case CursorDuplicate:
		return "duplicate"
	case CursorGap:
		return "gap"
	default:
		return "ignored"
	}
}

// SequenceCursor tracks the highest sequence number present with no hole
// below it. Sequences observed past a hole are buffered until the hole fills.
type SequenceCursor struct {
	mu      sync.Mutex
	value   int64
	max     int64
	pending map[int64]struct{}
}

func NewSequenceCursor() *SequenceCursor {
	return &SequenceCursor{pending: map[int64]struct{}{}}
}

func (c *SequenceCursor) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *SequenceCursor) Max() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

func (c *SequenceCursor) HasGap() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max > c.value
}

func (c *SequenceCursor) Observe(seq int64) CursorResult {
	if seq < 0 {
		return CursorIgnored
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq <= c.value {
		return CursorDuplicate
	}
	if _, ok := c.pending[seq]; ok {
		return CursorDuplicate
	}
	if seq > c.max {
		c.max = seq
	}
	if seq != c.value+1 {
		c.pending[seq] = struct{}{}
		return CursorGap
	}
	c.value = seq
	for {
		next := c.value + 1
		if _, ok := c.pending[next]; !ok {
			break
		}
		delete(c.pending, next)
		c.value = next
	}
	return CursorAdvanced
}

// Reset moves the cursor to the highest of seqs and forgets buffered
// sequences. It is used whenever the owning timeline is replaced wholesale.
func (c *SequenceCursor) Reset(seqs []int64) {
	var max int64
	for _, seq := range seqs {
		if seq > max {
			max = seq
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = max
	c.max = max
	c.pending = map[int64]struct{}{}
}
