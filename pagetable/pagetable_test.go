package pagetable

import (
	"testing"

	"corvid/defs"
	"corvid/mem"
	"corvid/vm"
)

func newSpace(t *testing.T, mm *mem.Physmem_t, owner defs.Pid_t, asid int) *vm.AddressSpace_t {
	t.Helper()
	as, err := vm.New(mm, owner, asid)
	if err != 0 {
		t.Fatalf("vm.New: %s", err)
	}
	return as
}

func TestMapVirtToPhysRoundTrip(t *testing.T) {
	mm := mem.NewPhysmem(8)
	as := newSpace(t, mm, 2, 1)
	pa, _ := mm.AllocPage(2)

	if err := Map(mm, as, pa, 0x4000, defs.MemR|defs.MemW, true); err != 0 {
		t.Fatalf("map: %s", err)
	}
	got, err := VirtToPhys(mm, as, 0x4000)
	if err != 0 {
		t.Fatalf("virt_to_phys: %s", err)
	}
	if got != pa {
		t.Fatalf("virt_to_phys = %d, want %d", got, pa)
	}
}

func TestMapPanicsOnDoubleMap(t *testing.T) {
	mm := mem.NewPhysmem(8)
	as := newSpace(t, mm, 2, 1)
	pa, _ := mm.AllocPage(2)
	if err := Map(mm, as, pa, 0x4000, defs.MemR, true); err != 0 {
		t.Fatalf("map: %s", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double map")
		}
	}()
	Map(mm, as, pa, 0x4000, defs.MemR, true)
}

func TestReserveIsIdempotent(t *testing.T) {
	mm := mem.NewPhysmem(8)
	as := newSpace(t, mm, 2, 1)
	if err := Reserve(mm, as, 0x5000, defs.MemR); err != 0 {
		t.Fatalf("reserve 1: %s", err)
	}
	if err := Reserve(mm, as, 0x5000, defs.MemR); err != 0 {
		t.Fatalf("reserve 2 (idempotent) returned error: %s", err)
	}
}

func TestUnmapThenVirtToPhysFails(t *testing.T) {
	mm := mem.NewPhysmem(8)
	as := newSpace(t, mm, 2, 1)
	pa, _ := mm.AllocPage(2)
	Map(mm, as, pa, 0x6000, defs.MemR, true)

	got, err := Unmap(mm, as, 0x6000)
	if err != 0 || got != pa {
		t.Fatalf("unmap = %d, %s", got, err)
	}
	if _, err := VirtToPhys(mm, as, 0x6000); err != defs.EBADADDR {
		t.Fatalf("virt_to_phys after unmap err = %s, want EBADADDR", err)
	}
}

func TestMoveTransfersOwnershipAndMapping(t *testing.T) {
	mm := mem.NewPhysmem(8)
	src := newSpace(t, mm, 2, 1)
	dst := newSpace(t, mm, 3, 2)
	pa, _ := mm.AllocPage(2)
	Map(mm, src, pa, 0x7000, defs.MemR|defs.MemW, true)

	if err := Move(mm, src, 0x7000, 3, dst, 0x8000); err != 0 {
		t.Fatalf("move: %s", err)
	}
	if _, err := VirtToPhys(mm, src, 0x7000); err != defs.EBADADDR {
		t.Fatalf("source mapping survived move")
	}
	got, err := VirtToPhys(mm, dst, 0x8000)
	if err != 0 || got != pa {
		t.Fatalf("dest mapping = %d, %s", got, err)
	}
	owner, ok := mm.Owner(pa)
	if !ok || owner != 3 {
		t.Fatalf("frame owner after move = %v, %v, want 3", owner, ok)
	}
}

func TestLendMutableThenReturnRestoresSourceExactly(t *testing.T) {
	mm := mem.NewPhysmem(8)
	src := newSpace(t, mm, 2, 1)
	dst := newSpace(t, mm, 3, 2)
	pa, _ := mm.AllocPage(2)
	Map(mm, src, pa, 0x9000, defs.MemR|defs.MemW, true)

	before := readPTE(t, mm, src, 0x9000)

	lentPa, err := Lend(mm, src, 0x9000, 3, dst, 0xA000, true)
	if err != 0 {
		t.Fatalf("lend: %s", err)
	}
	if lentPa != pa {
		t.Fatalf("lend returned %d, want %d", lentPa, pa)
	}
	srcEntry := readPTE(t, mm, src, 0x9000)
	if srcEntry&flagV != 0 {
		t.Fatalf("source still valid after mutable lend")
	}
	if srcEntry&flagS == 0 {
		t.Fatalf("source missing S bit after mutable lend")
	}

	dstEntry := readPTE(t, mm, dst, 0xA000)
	if dstEntry&flagW == 0 {
		t.Fatalf("mutable borrow destination missing W bit")
	}

	if _, err := Return(mm, dst, 0xA000, 2, src, 0x9000); err != 0 {
		t.Fatalf("return: %s", err)
	}
	after := readPTE(t, mm, src, 0x9000)
	if after != before {
		t.Fatalf("source entry after return = %#x, want exact restore %#x", after, before)
	}
}

func TestLendImmutableThenReturnRestoresWBit(t *testing.T) {
	mm := mem.NewPhysmem(8)
	src := newSpace(t, mm, 2, 1)
	dst := newSpace(t, mm, 3, 2)
	pa, _ := mm.AllocPage(2)
	Map(mm, src, pa, 0xB000, defs.MemR|defs.MemW, true)

	if _, err := Lend(mm, src, 0xB000, 3, dst, 0xC000, false); err != 0 {
		t.Fatalf("lend: %s", err)
	}
	srcEntry := readPTE(t, mm, src, 0xB000)
	if srcEntry&flagW != 0 {
		t.Fatalf("source kept W bit during immutable lend")
	}
	if srcEntry&flagP == 0 {
		t.Fatalf("source missing P bit (was previously writable)")
	}
	if srcEntry&flagS == 0 {
		t.Fatalf("source missing S bit")
	}

	dstEntry := readPTE(t, mm, dst, 0xC000)
	if dstEntry&flagW != 0 {
		t.Fatalf("immutable borrow destination has W bit set")
	}

	if _, err := Return(mm, dst, 0xC000, 2, src, 0xB000); err != 0 {
		t.Fatalf("return: %s", err)
	}
	after := readPTE(t, mm, src, 0xB000)
	if after&flagW == 0 {
		t.Fatalf("W bit not restored after return")
	}
	if after&(flagS|flagP) != 0 {
		t.Fatalf("S or P bit left set after return: %#x", after)
	}
}

func TestLendMutableTwiceIsShareViolation(t *testing.T) {
	mm := mem.NewPhysmem(8)
	src := newSpace(t, mm, 2, 1)
	dst1 := newSpace(t, mm, 3, 2)
	dst2 := newSpace(t, mm, 4, 3)
	pa, _ := mm.AllocPage(2)
	Map(mm, src, pa, 0xD000, defs.MemR|defs.MemW, true)

	if _, err := Lend(mm, src, 0xD000, 3, dst1, 0xD000, true); err != 0 {
		t.Fatalf("first lend: %s", err)
	}
	if _, err := Lend(mm, src, 0xD000, 4, dst2, 0xD000, true); err != defs.ESHARE {
		t.Fatalf("second mutable lend err = %s, want ESHARE", err)
	}
}

func TestLendThenReturnThenLendAgainSucceeds(t *testing.T) {
	mm := mem.NewPhysmem(8)
	src := newSpace(t, mm, 2, 1)
	dst := newSpace(t, mm, 3, 2)
	pa, _ := mm.AllocPage(2)
	Map(mm, src, pa, 0xF000, defs.MemR|defs.MemW, true)

	if _, err := Lend(mm, src, 0xF000, 3, dst, 0x10000, true); err != 0 {
		t.Fatalf("first lend: %s", err)
	}
	if _, err := Return(mm, dst, 0x10000, 2, src, 0xF000); err != 0 {
		t.Fatalf("return: %s", err)
	}
	// No stuck S bit: the same page can be lent out again immediately.
	if _, err := Lend(mm, src, 0xF000, 3, dst, 0x10000, true); err != 0 {
		t.Fatalf("second lend after return: %s, want success", err)
	}
}

func TestReturnOfUnsharedEntryPanics(t *testing.T) {
	mm := mem.NewPhysmem(8)
	src := newSpace(t, mm, 2, 1)
	dst := newSpace(t, mm, 3, 2)
	pa, _ := mm.AllocPage(2)
	Map(mm, dst, pa, 0xE000, defs.MemR, true)
	// Give the borrower side a valid mapping too, so the panic comes from
	// the lender entry lacking the S bit, not from a missing borrower page.
	borrowed, _ := mm.AllocPage(2)
	Map(mm, src, borrowed, 0xE000, defs.MemR, true)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic returning an unshared entry")
		}
	}()
	Return(mm, src, 0xE000, 3, dst, 0xE000)
}

func readPTE(t *testing.T, mm *mem.Physmem_t, as *vm.AddressSpace_t, addr uintptr) uint32 {
	t.Helper()
	l0, err := l0Table(mm, as, addr, false)
	if err != 0 {
		t.Fatalf("l0Table: %s", err)
	}
	return entryAt(mm, l0, addr)
}
