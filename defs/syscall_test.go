package defs

import "testing"

func TestFromArgsScalarSend(t *testing.T) {
	sc, err := FromArgs(int(OpSendMessage), 7, 0, 10, 42, 0, 0, 0)
	if err != 0 {
		t.Fatalf("unexpected error: %s", err)
	}
	if !sc.Envelope.IsScalar {
		t.Fatalf("expected scalar envelope, got kind %d", sc.Envelope.Kind)
	}
	if sc.Envelope.Scalar[3] != 42 {
		t.Fatalf("scalar word 4 = %d, want 42", sc.Envelope.Scalar[3])
	}
}

func TestFromArgsMoveBuffer(t *testing.T) {
	sc, err := FromArgs(int(OpSendMessage), 3, uintptr(MoveKindMove), 0x2000, 0, 64, 0, 0)
	if err != 0 {
		t.Fatalf("unexpected error: %s", err)
	}
	if sc.Envelope.IsScalar {
		t.Fatalf("expected buffer envelope")
	}
	if sc.Envelope.Kind != MoveKindMove {
		t.Fatalf("kind = %d, want MoveKindMove", sc.Envelope.Kind)
	}
	if sc.Envelope.Buf.Addr != 0x2000 || sc.Envelope.Buf.Len != 64 {
		t.Fatalf("buf = %+v", sc.Envelope.Buf)
	}
}

func TestFromArgsUnknownOpcode(t *testing.T) {
	if _, err := FromArgs(999, 0, 0, 0, 0, 0, 0, 0); err != EBADSYSCALL {
		t.Fatalf("err = %s, want EBADSYSCALL", err)
	}
}

func TestFromArgsBadMoveKind(t *testing.T) {
	if _, err := FromArgs(int(OpSendMessage), 0, 99, 0, 0, 0, 0, 0); err != EBADSYSCALL {
		t.Fatalf("err = %s, want EBADSYSCALL", err)
	}
}

func TestFromArgsReturnMemory(t *testing.T) {
	sc, err := FromArgs(int(OpReturnMemory), 4, 0x3000, 0, 0, 0, 0, 0)
	if err != 0 {
		t.Fatalf("unexpected error: %s", err)
	}
	if sc.Cid != 4 || sc.Envelope.Buf.Addr != 0x3000 {
		t.Fatalf("decoded = %+v", sc)
	}
}

func TestSysCallEncodeDecodeRoundTrip(t *testing.T) {
	cases := []SysCall{
		{Op: OpMapMemory, Raw: [7]uintptr{0x1000, uintptr(MemR | MemW), 0, 0, 0, 0, 0}},
		{Op: OpUnmapMemory, Raw: [7]uintptr{0x2000, 0, 0, 0, 0, 0, 0}},
		{Op: OpElapsedMs},
		{Op: OpTerminateProcess},
		{Op: OpCreateProcess, Raw: [7]uintptr{1, 2, 3, 4, 5, 6, 7}},
		{Op: OpShutdown},
		{Op: OpReturnMemory, Cid: 4, Envelope: Envelope{Buf: Buf{Addr: 0x3000}}},
		{Op: OpSendMessage, Cid: 9, Envelope: Envelope{IsScalar: true, Scalar: [4]uintptr{9, 0, 3, 4}}},
		{Op: OpSendMessage, Cid: 5, Envelope: Envelope{Kind: MoveKindBorrow, Buf: Buf{Addr: 0x4000, Len: 64}}},
	}
	for _, sc := range cases {
		op, a1, a2, a3, a4, a5, a6, a7 := sc.ToArgs()
		got, err := FromArgs(op, a1, a2, a3, a4, a5, a6, a7)
		if err != 0 {
			t.Fatalf("round trip of %+v: decode error %s", sc, err)
		}
		if got.Op != sc.Op || got.Cid != sc.Cid || got.Envelope != sc.Envelope {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, sc)
		}
	}
}

func TestResultToArgsDiscriminantInRange(t *testing.T) {
	cases := []Result{
		Ok(),
		Scalar1(123),
		Scalar2(1, 2),
		ErrorResult(ESHARE),
		Blocked(),
	}
	for _, r := range cases {
		args := r.ToArgs()
		if args[0] > 5 {
			t.Fatalf("unexpected discriminant %d for %+v", args[0], r)
		}
	}
}

func TestKeyZero(t *testing.T) {
	var k Key_t
	for i := range k {
		k[i] = byte(i + 1)
	}
	k.Zero()
	for i, b := range k {
		if b != 0 {
			t.Fatalf("key[%d] = %d, want 0 after Zero", i, b)
		}
	}
}
