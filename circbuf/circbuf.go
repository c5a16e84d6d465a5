// Package circbuf stages a SendMessage payload's raw bytes into a
// MemoryManager-backed frame before the dispatcher hands it to
// pagetable.Lend or pagetable.Move (spec.md §4.6).
//
// Grounded on circbuf/circbuf.go's Circbuf_t: that type backed a daemon
// pipe's read/write cursor pair over a physical page; this package keeps
// only the "one page, allocated from the MemoryManager, addressed by
// physical offset" shape and drops the stream cursor semantics, which
// have no job here — a SendMessage payload is staged once and handed off
// whole, never streamed.
package circbuf

import (
	"corvid/defs"
	"corvid/mem"
)

/// Circbuf_t holds one frame's worth of staged payload bytes.
type Circbuf_t struct {
	mm  *mem.Physmem_t
	pa  mem.Pa_t
	len int
}

/// CbInitPhys allocates a frame owned by owner and wraps it, mirroring
/// Circbuf_t.Cb_init_phys's allocate-then-wrap constructor.
func CbInitPhys(mm *mem.Physmem_t, owner defs.Pid_t) (*Circbuf_t, defs.Err_t) {
	pa, err := mm.AllocPage(owner)
	if err != 0 {
		return nil, err
	}
	return &Circbuf_t{mm: mm, pa: pa}, 0
}

/// Stage copies payload into the backing frame and zero-fills the rest of
/// the page. A payload longer than PGSIZE is rejected with EBADALIGN and
/// nothing is copied.
func (c *Circbuf_t) Stage(payload []byte) defs.Err_t {
	if len(payload) > mem.PGSIZE {
		return defs.EBADALIGN
	}
	dst := c.mm.Bytes(c.pa)
	n := copy(dst, payload)
	for i := n; i < mem.PGSIZE; i++ {
		dst[i] = 0
	}
	c.len = n
	return 0
}

/// Bytes returns the staged payload's valid prefix.
func (c *Circbuf_t) Bytes() []byte {
	return c.mm.Bytes(c.pa)[:c.len]
}

/// Phys returns the backing frame's physical address, for installing a
/// mapping to it.
func (c *Circbuf_t) Phys() mem.Pa_t {
	return c.pa
}

/// Release returns the backing frame to the MemoryManager. The hosted
/// transport calls it when staging the payload or mapping the frame fails.
func (c *Circbuf_t) Release() {
	c.mm.Release(c.pa)
}
