package gate

import "sync/atomic"

// atomicCounter is a tiny wrapper so Gate's counter fields read clearly at
// call sites (g.admitted.add(1)) without repeating atomic.Uint64 everywhere.
type atomicCounter struct {
	v atomic.Uint64
}

func (c *atomicCounter) add(delta uint64) {
	c.v.Add(delta)
}

func (c *atomicCounter) load() uint64 {
	return c.v.Load()
}
