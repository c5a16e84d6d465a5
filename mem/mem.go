// Package mem implements the MemoryManager (spec.md §4.2): a flat table of
// physical frames, each attributed to exactly one owning PID, backed by an
// arena of bytes standing in for physical RAM. There is no real MMU behind
// this in hosted/test mode, so "physical address" here is an index into the
// arena rather than a CPU-visible address — the same substitution the
// teacher's Physmem_t + direct-map window makes.
package mem

import (
	"sync"

	"corvid/defs"
)

/// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT = 12

/// PGSIZE is the size of a single page/frame in bytes.
const PGSIZE = 1 << PGSHIFT

/// Pa_t is a physical address: a frame number shifted left by PGSHIFT.
type Pa_t uintptr

/// Framepg_t is a single physical frame's bookkeeping record. Unlike the
/// teacher's refcounted Physpg_t (pages may be mapped copy-on-write into
/// several address spaces), this kernel's frames are single-owner
/// (spec.md §3: "On lend, ownership does not change; on move, it does"),
/// so the record is an optional owning PID, not a refcount.
type Framepg_t struct {
	owner   defs.Pid_t
	present bool
}

/// Physmem_t is the frame allocator and owning-PID table. Complexity is
/// O(N_frames) for alloc/release, acceptable per spec.md §4.2 because the
/// frame pool is small.
type Physmem_t struct {
	sync.Mutex
	arena []byte
	pgs   []Framepg_t
	freei int
}

/// NewPhysmem allocates an arena of nframes pages and its bookkeeping
/// table. freei starts at 0 and alloc_page does a linear scan from there,
/// matching the teacher's Physmem_t.freei free-list cursor.
func NewPhysmem(nframes int) *Physmem_t {
	return &Physmem_t{
		arena: make([]byte, nframes*PGSIZE),
		pgs:   make([]Framepg_t, nframes),
		freei: 0,
	}
}

/// Nframes returns the size of the frame pool.
func (p *Physmem_t) Nframes() int {
	return len(p.pgs)
}

func (p *Physmem_t) pgn(pa Pa_t) int {
	return int(pa >> PGSHIFT)
}

/// AllocPage scans for a free frame, attributes it to owner, and returns
/// its physical address. Returns EOOM if the pool is exhausted.
func (p *Physmem_t) AllocPage(owner defs.Pid_t) (Pa_t, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	n := len(p.pgs)
	for i := 0; i < n; i++ {
		idx := (p.freei + i) % n
		if !p.pgs[idx].present {
			p.pgs[idx] = Framepg_t{owner: owner, present: true}
			p.freei = (idx + 1) % n
			pa := Pa_t(idx << PGSHIFT)
			p.zero(pa)
			return pa, 0
		}
	}
	return 0, defs.EOOM
}

/// Release clears the frame's ownership without zeroing its contents.
/// The caller (MemoryManager's user, typically pagetable.Unmap's caller)
/// decides when a frame is actually free to release, per spec.md §4.1's
/// unmap/release split.
func (p *Physmem_t) Release(pa Pa_t) {
	p.Lock()
	defer p.Unlock()
	p.pgs[p.pgn(pa)] = Framepg_t{}
}

/// ReleaseAll walks the table releasing every frame owned by pid, used by
/// process destruction (spec.md §3's lifecycle rules) — except that lent-
/// out frames are excluded by the caller, which tracks lend state in the
/// page table, not here.
func (p *Physmem_t) ReleaseAll(pid defs.Pid_t) {
	p.Lock()
	defer p.Unlock()
	for i := range p.pgs {
		if p.pgs[i].present && p.pgs[i].owner == pid {
			p.pgs[i] = Framepg_t{}
		}
	}
}

/// Owner reports the PID attributed to pa, if any.
func (p *Physmem_t) Owner(pa Pa_t) (defs.Pid_t, bool) {
	p.Lock()
	defer p.Unlock()
	f := p.pgs[p.pgn(pa)]
	return f.owner, f.present
}

/// Reattribute changes a frame's owning PID without touching its
/// contents, used by pagetable.Move (spec.md §4.1: "frame ownership in
/// the MemoryManager is reattributed").
func (p *Physmem_t) Reattribute(pa Pa_t, newOwner defs.Pid_t) {
	p.Lock()
	defer p.Unlock()
	idx := p.pgn(pa)
	if !p.pgs[idx].present {
		panic("reattribute of unowned frame")
	}
	p.pgs[idx].owner = newOwner
}

func (p *Physmem_t) zero(pa Pa_t) {
	off := int(pa)
	for i := off; i < off+PGSIZE; i++ {
		p.arena[i] = 0
	}
}

/// Bytes returns the arena slice backing the frame at pa, for callers
/// that need to read or write its contents directly (the pagetable
/// engine's page-table pages, and the circbuf payload staging).
func (p *Physmem_t) Bytes(pa Pa_t) []byte {
	off := int(pa)
	return p.arena[off : off+PGSIZE]
}
