package defs

/// Opcode numbers the dispatcher decodes from word 1 of a frame. Values
/// mirror the teacher's habit of small explicit ints rather than an
/// iota block, since the wire encoding (see FromArgs) depends on exact
/// numeric stability across builds.
type Opcode int

const (
	OpMapMemory        Opcode = 9
	OpUnmapMemory      Opcode = 10
	OpReturnMemory     Opcode = 11
	OpElapsedMs        Opcode = 12
	OpTerminateProcess Opcode = 14
	OpSendMessage      Opcode = 16
	OpCreateProcess    Opcode = 17
	OpShutdown         Opcode = 18
)

/// MoveKind distinguishes the three SendMessage envelope kinds that carry
/// a buffer, matching the wire constants the hosted transport inspects at
/// word 3 to decide whether a payload follows the 9-word frame.
type MoveKind int

const (
	MoveKindMove MoveKind = iota + 1
	MoveKindBorrow
	MoveKindMutableBorrow
)

/// Buf describes one side of a memory envelope: a page-aligned virtual
/// range, with an optional offset/valid-length pair for partial buffers.
type Buf struct {
	Addr      uintptr
	Len       uintptr
	Offset    uintptr
	ValidLen  uintptr
	HasOffset bool
	HasValid  bool
}

/// Envelope is a MessageEnvelope (spec.md §3): either four scalar words or
/// a buffer transferred by move, borrow, or mutable borrow.
type Envelope struct {
	Scalar   [4]uintptr
	IsScalar bool
	Kind     MoveKind
	Buf      Buf
}

/// SysCall is the decoded form of a 9-word frame's words 1..8 (word 0,
/// the TID, is handled by the transport, not here).
type SysCall struct {
	Op       Opcode
	Cid      uintptr
	Envelope Envelope
	Raw      [7]uintptr
}

/// FromArgs decodes a1..a7 (the 7 words following the opcode) into a
/// SysCall. It returns EBADSYSCALL for an opcode it doesn't recognize,
/// matching the hosted transport's "ignore and keep reading" contract
/// (spec.md §4.6, §8).
func FromArgs(op int, a1, a2, a3, a4, a5, a6, a7 uintptr) (SysCall, Err_t) {
	sc := SysCall{Op: Opcode(op), Raw: [7]uintptr{a1, a2, a3, a4, a5, a6, a7}}
	switch sc.Op {
	case OpMapMemory, OpUnmapMemory, OpElapsedMs, OpTerminateProcess,
		OpCreateProcess, OpShutdown:
		return sc, 0
	case OpReturnMemory:
		sc.Cid = a1
		sc.Envelope.Buf = Buf{Addr: a2}
		return sc, 0
	case OpSendMessage:
		sc.Cid = a1
		kind := MoveKind(a2)
		switch kind {
		case 0:
			sc.Envelope.IsScalar = true
			sc.Envelope.Scalar = [4]uintptr{a1, a2, a3, a4}
		case MoveKindMove, MoveKindBorrow, MoveKindMutableBorrow:
			sc.Envelope.Kind = kind
			sc.Envelope.Buf = Buf{Addr: a3, Len: a5}
		default:
			return sc, EBADSYSCALL
		}
		return sc, 0
	default:
		return sc, EBADSYSCALL
	}
}

/// ToArgs encodes sc back into the (op, a1..a7) form FromArgs decodes, the
/// inverse used by spec.md §8's round-trip property: encode then decode is
/// identity for every SysCall variant.
func (sc SysCall) ToArgs() (op int, a1, a2, a3, a4, a5, a6, a7 uintptr) {
	op = int(sc.Op)
	switch sc.Op {
	case OpReturnMemory:
		return op, sc.Cid, sc.Envelope.Buf.Addr, 0, 0, 0, 0, 0
	case OpSendMessage:
		if sc.Envelope.IsScalar {
			s := sc.Envelope.Scalar
			return op, s[0], s[1], s[2], s[3], 0, 0, 0
		}
		return op, sc.Cid, uintptr(sc.Envelope.Kind), sc.Envelope.Buf.Addr, 0, sc.Envelope.Buf.Len, 0, 0
	default:
		r := sc.Raw
		return op, r[0], r[1], r[2], r[3], r[4], r[5], r[6]
	}
}

/// ResultKind tags the variant of a dispatcher Result.
type ResultKind int

const (
	ResOk ResultKind = iota
	ResScalar1
	ResScalar2
	ResMemoryRange
	ResBlockedProcess
	ResError
)

/// Result is what the dispatcher produces for a syscall: exactly one of
/// the variants spec.md §4.5 names.
type Result struct {
	Kind  ResultKind
	W1    uintptr
	W2    uintptr
	Err   Err_t
}

/// Ok is the zero-argument success result.
func Ok() Result { return Result{Kind: ResOk} }

/// Scalar2 wraps a two-word scalar result (e.g. a 64-bit timestamp split
/// into low/high words, per the ElapsedMs round trip in spec.md §8).
func Scalar2(lo, hi uintptr) Result { return Result{Kind: ResScalar2, W1: lo, W2: hi} }

/// Scalar1 wraps a one-word scalar result.
func Scalar1(w uintptr) Result { return Result{Kind: ResScalar1, W1: w} }

/// ErrorResult wraps a failed syscall's error code.
func ErrorResult(e Err_t) Result { return Result{Kind: ResError, Err: e} }

/// Blocked is the sentinel the dispatcher returns when a caller has been
/// parked awaiting a matching call; the transport must not frame a
/// response for it (spec.md §4.5, §5).
func Blocked() Result { return Result{Kind: ResBlockedProcess} }

/// ToArgs encodes a Result into the 8 response words that follow the TID
/// in a response frame (spec.md §4.6).
func (r Result) ToArgs() [8]uintptr {
	var out [8]uintptr
	switch r.Kind {
	case ResOk:
		out[0] = 0
	case ResScalar1:
		out[0] = 1
		out[1] = r.W1
	case ResScalar2:
		out[0] = 2
		out[1] = r.W1
		out[2] = r.W2
	case ResMemoryRange:
		out[0] = 3
		out[1] = r.W1
		out[2] = r.W2
	case ResBlockedProcess:
		out[0] = 4
	case ResError:
		out[0] = 5
		out[1] = uintptr(uint32(r.Err))
	}
	return out
}
