// Package pagetable implements the two-level page-table engine (spec.md
// §4.1): reserve/map/unmap for ordinary mappings, and move/lend/return for
// the zero-copy IPC mechanics that transfer or borrow pages between address
// spaces.
//
// This is an explicit two-level software walk rather than the recursive
// self-mapping original_source/kernel/src/arch/riscv/mem.rs uses — spec.md
// §9 sanctions that substitution for a target whose MMU (or, here, whose
// software emulation) doesn't support a real recursive window. The PTE
// layout, flag translation, and S/P-bit lend protocol otherwise match that
// file exactly, renumbered to fit the uint32 word spec.md §3 specifies.
package pagetable

import (
	"encoding/binary"

	"corvid/defs"
	"corvid/mem"
	"corvid/vm"
)

const (
	entriesPerTable = 1024
	vpnBits         = 10
	vpnMask         = entriesPerTable - 1
)

// PTE bit positions. V must be bit 0 so the "low bit set" checks used
// throughout original_source/.../mem.rs (`entry & 1`) carry over unchanged.
const (
	flagV uint32 = 1 << 0
	flagR uint32 = 1 << 1
	flagW uint32 = 1 << 2
	flagX uint32 = 1 << 3
	flagU uint32 = 1 << 4
	flagG uint32 = 1 << 5
	flagA uint32 = 1 << 6
	flagD uint32 = 1 << 7
	flagS uint32 = 1 << 8
	flagP uint32 = 1 << 9

	ppnShift = 10
)

func vpn1(addr uintptr) int { return int((addr >> 22) & vpnMask) }
func vpn0(addr uintptr) int { return int((addr >> 12) & vpnMask) }

func translateFlags(req defs.MemoryFlags) uint32 {
	var f uint32
	if req&defs.MemR != 0 {
		f |= flagR
	}
	if req&defs.MemW != 0 {
		f |= flagW
	}
	if req&defs.MemX != 0 {
		f |= flagX
	}
	return f
}

func untranslateFlags(raw uint32) defs.MemoryFlags {
	var f defs.MemoryFlags
	if raw&flagR != 0 {
		f |= defs.MemR
	}
	if raw&flagW != 0 {
		f |= defs.MemW
	}
	if raw&flagX != 0 {
		f |= defs.MemX
	}
	return f
}

func readWord(mm *mem.Physmem_t, table mem.Pa_t, idx int) uint32 {
	b := mm.Bytes(table)
	return binary.LittleEndian.Uint32(b[idx*4:])
}

func writeWord(mm *mem.Physmem_t, table mem.Pa_t, idx int, v uint32) {
	b := mm.Bytes(table)
	binary.LittleEndian.PutUint32(b[idx*4:], v)
}

func pageAligned(addr uintptr) bool { return addr%mem.PGSIZE == 0 }

// l0Table resolves the L0 (leaf) table frame for addr within as, allocating
// and zero-filling it (as map_page_inner/reserve_address do) when missing
// and alloc is true. Returns EBADADDR if missing and alloc is false.
func l0Table(mm *mem.Physmem_t, as *vm.AddressSpace_t, addr uintptr, alloc bool) (mem.Pa_t, defs.Err_t) {
	v1 := vpn1(addr)
	l1 := readWord(mm, as.RootPA, v1)
	if l1&flagV == 0 {
		if !alloc {
			return 0, defs.EBADADDR
		}
		l0pt, err := mm.AllocPage(as.Owner)
		if err != 0 {
			return 0, err
		}
		writeWord(mm, as.RootPA, v1, (uint32(l0pt>>mem.PGSHIFT)<<ppnShift)|flagV)
		return l0pt, 0
	}
	return mem.Pa_t((l1 >> ppnShift) << mem.PGSHIFT), 0
}

func entryAt(mm *mem.Physmem_t, l0 mem.Pa_t, addr uintptr) uint32 {
	return readWord(mm, l0, vpn0(addr))
}

func setEntryAt(mm *mem.Physmem_t, l0 mem.Pa_t, addr uintptr, v uint32) {
	writeWord(mm, l0, vpn0(addr), v)
}

/// Reserve ensures the L0 leaf for addr exists, allocating its backing
/// frame if absent, and writes the requested flags without marking V.
/// Idempotent: a call against an already-valid entry is a no-op success
/// (spec.md §9's documented asymmetry with Map, which panics instead).
func Reserve(mm *mem.Physmem_t, as *vm.AddressSpace_t, addr uintptr, flags defs.MemoryFlags) defs.Err_t {
	if !pageAligned(addr) {
		return defs.EBADALIGN
	}
	as.LockEdit()
	defer as.UnlockEdit()

	l0, err := l0Table(mm, as, addr, true)
	if err != 0 {
		return err
	}
	if entryAt(mm, l0, addr)&flagV != 0 {
		return 0
	}
	setEntryAt(mm, l0, addr, translateFlags(flags))
	return 0
}

/// Map installs a new mapping from virt to phys with the given
/// permission flags. user marks the mapping as user-accessible (U bit);
/// V, A, D are asserted by Map itself, never carried from the caller.
/// Map panics if the target entry already has V=1 — original_source's
/// map_page_inner panics rather than erroring on a double map, and
/// spec.md §9 directs this implementation to preserve that asymmetry
/// with Reserve's idempotence.
func Map(mm *mem.Physmem_t, as *vm.AddressSpace_t, phys mem.Pa_t, virt uintptr, flags defs.MemoryFlags, user bool) defs.Err_t {
	if !pageAligned(virt) || uintptr(phys)%mem.PGSIZE != 0 {
		return defs.EBADALIGN
	}
	as.LockEdit()
	defer as.UnlockEdit()
	return mapLocked(mm, as, phys, virt, flags, user)
}

// mapLocked assumes as's edit lock is already held; it's the shared core
// used directly by Map and, after activating the destination space, by
// Move/Lend's destination-side install.
func mapLocked(mm *mem.Physmem_t, as *vm.AddressSpace_t, phys mem.Pa_t, virt uintptr, flags defs.MemoryFlags, user bool) defs.Err_t {
	l0, err := l0Table(mm, as, virt, true)
	if err != 0 {
		return err
	}
	if entryAt(mm, l0, virt)&flagV != 0 {
		panic("pagetable: map of an already-valid entry")
	}
	bits := translateFlags(flags) | flagV | flagA | flagD
	if user {
		bits |= flagU
	}
	frameIdx := uint32(phys >> mem.PGSHIFT)
	setEntryAt(mm, l0, virt, (frameIdx<<ppnShift)|bits)
	return 0
}

/// Unmap clears the mapping at virt and returns the physical frame it
/// referred to. The frame is not released back to the MemoryManager —
/// that decision belongs to the caller (spec.md §4.1).
func Unmap(mm *mem.Physmem_t, as *vm.AddressSpace_t, virt uintptr) (mem.Pa_t, defs.Err_t) {
	if !pageAligned(virt) {
		return 0, defs.EBADALIGN
	}
	as.LockEdit()
	defer as.UnlockEdit()

	l0, err := l0Table(mm, as, virt, false)
	if err != 0 {
		return 0, err
	}
	e := entryAt(mm, l0, virt)
	if e&flagV == 0 {
		return 0, defs.EBADADDR
	}
	phys := mem.Pa_t((e >> ppnShift) << mem.PGSHIFT)
	setEntryAt(mm, l0, virt, 0)
	return phys, 0
}

/// VirtToPhys resolves addr to its mapped physical frame, or EBADADDR if
/// unmapped.
func VirtToPhys(mm *mem.Physmem_t, as *vm.AddressSpace_t, addr uintptr) (mem.Pa_t, defs.Err_t) {
	l0, err := l0Table(mm, as, addr, false)
	if err != 0 {
		return 0, err
	}
	e := entryAt(mm, l0, addr)
	if e&flagV == 0 {
		return 0, defs.EBADADDR
	}
	return mem.Pa_t((e >> ppnShift) << mem.PGSHIFT), 0
}

/// AddressAvailable reports whether addr is currently unmapped in as.
func AddressAvailable(mm *mem.Physmem_t, as *vm.AddressSpace_t, addr uintptr) bool {
	_, err := VirtToPhys(mm, as, addr)
	return err != 0
}

// twoPhase performs fn with dst activated, then always reactivates src
// before returning — the strict two-phase discipline spec.md §4.1
// requires for move/lend/return, "not exception-safe cleanup": the
// source is reactivated even when fn fails.
func twoPhase(src, dst *vm.AddressSpace_t, fn func() defs.Err_t) defs.Err_t {
	dst.Activate()
	err := fn()
	src.Activate()
	return err
}

/// Move atomically transfers ownership of the frame mapped at srcVA in
/// srcAS to dstVA in dstAS, reattributing the frame's owning PID in mm.
/// The source mapping is cleared; the destination receives a fresh entry
/// with the same effective R/W/X flags (S/P/U/G/A/D are never carried
/// across — U is recomputed from dstPID per spec.md §3: PID 1 is
/// privileged).
func Move(mm *mem.Physmem_t, srcAS *vm.AddressSpace_t, srcVA uintptr, dstPID defs.Pid_t, dstAS *vm.AddressSpace_t, dstVA uintptr) defs.Err_t {
	if !pageAligned(srcVA) || !pageAligned(dstVA) {
		return defs.EBADALIGN
	}
	srcAS.LockEdit()
	defer srcAS.UnlockEdit()

	l0, err := l0Table(mm, srcAS, srcVA, false)
	if err != 0 {
		return err
	}
	e := entryAt(mm, l0, srcVA)
	if e&flagV == 0 {
		return defs.EBADADDR
	}
	phys := mem.Pa_t((e >> ppnShift) << mem.PGSHIFT)
	flags := untranslateFlags(e)
	setEntryAt(mm, l0, srcVA, 0)

	result := twoPhase(srcAS, dstAS, func() defs.Err_t {
		dstAS.LockEdit()
		defer dstAS.UnlockEdit()
		return mapLocked(mm, dstAS, phys, dstVA, flags, dstPID != 1)
	})
	if result == 0 {
		mm.Reattribute(phys, dstPID)
	}
	return result
}

/// Lend installs a borrow relation: the frame stays owned by srcAS's
/// process, but becomes accessible (read-only, or read-write if mutable)
/// in dstAS at dstVA, per the S/P-bit protocol in spec.md §4.1. Returns
/// the lent frame's physical address.
func Lend(mm *mem.Physmem_t, srcAS *vm.AddressSpace_t, srcVA uintptr, dstPID defs.Pid_t, dstAS *vm.AddressSpace_t, dstVA uintptr, mutable bool) (mem.Pa_t, defs.Err_t) {
	if !pageAligned(srcVA) || !pageAligned(dstVA) {
		return 0, defs.EBADALIGN
	}
	srcAS.LockEdit()
	defer srcAS.UnlockEdit()

	l0, err := l0Table(mm, srcAS, srcVA, false)
	if err != 0 {
		return 0, err
	}
	e := entryAt(mm, l0, srcVA)
	// Checked before V: a mutable lend leaves the source entry with V=0,
	// S=1, and lending it again is a share violation, not a bad address.
	if mutable && e&flagS != 0 {
		return 0, defs.ESHARE
	}
	if e&flagV == 0 {
		return 0, defs.EBADADDR
	}
	phys := mem.Pa_t((e >> ppnShift) << mem.PGSHIFT)

	var destFlags defs.MemoryFlags
	if mutable {
		e = (e &^ flagV) | flagS
		destFlags = defs.MemR | defs.MemW
	} else {
		var prevP uint32
		if e&flagW != 0 {
			prevP = flagP
		}
		e = (e &^ flagW) | prevP | flagS
		destFlags = defs.MemR
	}
	setEntryAt(mm, l0, srcVA, e)

	result := twoPhase(srcAS, dstAS, func() defs.Err_t {
		dstAS.LockEdit()
		defer dstAS.UnlockEdit()
		return mapLocked(mm, dstAS, phys, dstVA, destFlags, dstPID != 1)
	})
	if result != 0 {
		return 0, result
	}
	return phys, 0
}

/// Return is the inverse of Lend: srcAS/srcVA name the borrower (the
/// current holder of the plain mapping installed by Lend), dstAS/dstVA
/// name the original lender whose entry still carries the S bit. It
/// clears the borrower's mapping unconditionally and restores the
/// lender's entry to its pre-lend state. Both of the invariant checks
/// here (borrower entry invalid, lender entry not marked shared)
/// indicate a kernel bug — not a recoverable userspace error — and
/// panic, per spec.md §7 ("return when not shared... indicate kernel
/// bugs and panic").
func Return(mm *mem.Physmem_t, srcAS *vm.AddressSpace_t, srcVA uintptr, dstPID defs.Pid_t, dstAS *vm.AddressSpace_t, dstVA uintptr) (mem.Pa_t, defs.Err_t) {
	_ = dstPID
	if !pageAligned(srcVA) || !pageAligned(dstVA) {
		return 0, defs.EBADALIGN
	}
	srcAS.LockEdit()
	defer srcAS.UnlockEdit()

	l0, err := l0Table(mm, srcAS, srcVA, false)
	if err != 0 {
		panic("pagetable: return of a borrower page with no mapping")
	}
	e := entryAt(mm, l0, srcVA)
	if e&flagV == 0 {
		panic("pagetable: return of a borrower page that wasn't valid")
	}
	phys := mem.Pa_t((e >> ppnShift) << mem.PGSHIFT)
	setEntryAt(mm, l0, srcVA, 0)

	err = twoPhase(srcAS, dstAS, func() defs.Err_t {
		dstAS.LockEdit()
		defer dstAS.UnlockEdit()
		dl0, derr := l0Table(mm, dstAS, dstVA, false)
		if derr != 0 {
			panic("pagetable: return destination has no mapping")
		}
		de := entryAt(mm, dl0, dstVA)
		if de&flagS == 0 {
			panic("pagetable: return destination page wasn't shared")
		}
		if de&flagV == 0 {
			de = (de &^ flagS) | flagV
		} else {
			var restoreW uint32
			if de&flagP != 0 {
				restoreW = flagW
			}
			de = (de &^ (flagS | flagP)) | restoreW
		}
		setEntryAt(mm, dl0, dstVA, de)
		return 0
	})
	if err != 0 {
		panic("pagetable: return two-phase edit failed unexpectedly")
	}
	return phys, 0
}
