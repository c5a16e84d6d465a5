// Package vm implements AddressSpace (spec.md §4.3): a process's root
// page-table handle, its ASID, and the activate/current pair the pagetable
// engine uses to move between address spaces during lend/move/return.
package vm

import (
	"sync"

	"corvid/defs"
	"corvid/mem"
)

/// AddressSpace_t is per-process address-space state: the root page-table
/// frame, its ASID, and the owning PID. The mutex guards page-table edits
/// the same way the teacher's Vm_t guards Vmregion/Pmap/P_pmap — any
/// mutation of this address space's tables must hold it.
//
// Grounded on vm/as.go's Vm_t (the embedded mutex, the pgfltaken
// reentrancy flag renamed editTaken here since there's no page-fault
// handler in this kernel, only explicit lend/map/unmap calls).
type AddressSpace_t struct {
	sync.Mutex
	RootPA    mem.Pa_t
	ASID      int
	Owner     defs.Pid_t
	editTaken bool
}

/// LockEdit acquires the address-space mutex and marks that a page-table
/// edit is in progress, mirroring Vm_t.Lock_pmap.
func (as *AddressSpace_t) LockEdit() {
	as.Lock()
	as.editTaken = true
}

/// UnlockEdit releases the mutex after an edit completes.
func (as *AddressSpace_t) UnlockEdit() {
	as.editTaken = false
	as.Unlock()
}

/// LockassertEdit panics if an edit is attempted without the mutex held,
/// mirroring Vm_t.Lockassert_pmap.
func (as *AddressSpace_t) LockassertEdit() {
	if !as.editTaken {
		panic("pagetable edit attempted without the address-space lock held")
	}
}

/// Mapping is the (mode, ASID, PPN)-shaped value current()/activate() pass
/// around, mirroring original_source's MemoryMapping.
type Mapping struct {
	ASID int
	Root mem.Pa_t
}

var (
	curMu  sync.Mutex
	curMap Mapping
)

/// Activate makes as the systemwide current address space. In native mode
/// this would write the MMU root register and flush the TLB; in this
/// hosted/software target it updates the package-level current mapping
/// that Current reports, which is the
/// documented software-walk substitute for a real CPU register
/// (spec.md §9).
func (as *AddressSpace_t) Activate() {
	curMu.Lock()
	curMap = Mapping{ASID: as.ASID, Root: as.RootPA}
	curMu.Unlock()
}

/// Current returns the currently active mapping.
func Current() Mapping {
	curMu.Lock()
	defer curMu.Unlock()
	return curMap
}

/// New constructs an empty address space: it allocates a root table frame
/// (zero-filled, i.e. entirely invalid) from mm and assigns it asid.
func New(mm *mem.Physmem_t, owner defs.Pid_t, asid int) (*AddressSpace_t, defs.Err_t) {
	root, err := mm.AllocPage(owner)
	if err != 0 {
		return nil, err
	}
	return &AddressSpace_t{RootPA: root, ASID: asid, Owner: owner}, 0
}
