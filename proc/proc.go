// Package proc implements the Process and Thread tables (spec.md §4.3
// data model, §3 lifecycle rules): per-process state machine, thread
// records, and the transport endpoint a process's replies are framed back
// through.
//
// Grounded on tinfo/tinfo.go's Tnote_t/Threadinfo_t shape for the per-
// thread record table. tinfo.go itself tracked "current thread" via
// g-local storage (runtime.Gptr/Setgptr), additions to biscuit's own
// forked Go runtime that don't exist in the standard toolchain; this
// kernel instead relies on the dispatcher's single-threadedness
// (spec.md §5) and tracks current PID/TID as ordinary state in services.
package proc

import (
	"corvid/defs"
	"corvid/vm"
)

/// State_t is a Process's lifecycle state (spec.md §3):
/// Setup(key) -> Ready -> Running(tid) -> Terminated.
type State_t int

const (
	StateSetup State_t = iota
	StateReady
	StateRunning
	StateTerminated
)

/// Endpoint is the transport connection a Process's replies are framed
/// back through. In hosted mode this is backed by a TCP connection
/// (package hosted); native mode would back it with a trap return path.
/// Defined here, not in package hosted, so proc never needs to import the
/// transport layer.
type Endpoint interface {
	Send(frame []byte) error
	Close() error
}

/// Tnote_t is a single thread's record, named for tinfo.Tnote_t.
type Tnote_t struct {
	Tid     defs.Tid_t
	Alive   bool
	Blocked bool
}

/// Process_t is one process table entry.
type Process_t struct {
	Pid      defs.Pid_t
	AS       *vm.AddressSpace_t
	Threads  map[defs.Tid_t]*Tnote_t
	State    State_t
	Key      defs.Key_t
	Endpoint Endpoint
	CurTid   defs.Tid_t
}

/// NewProcess constructs a process in Setup(key) state with no threads,
/// per spec.md §3's invariant ("a Process in Setup has no threads").
func NewProcess(pid defs.Pid_t, as *vm.AddressSpace_t, key defs.Key_t) *Process_t {
	return &Process_t{
		Pid:     pid,
		AS:      as,
		Threads: make(map[defs.Tid_t]*Tnote_t),
		State:   StateSetup,
		Key:     key,
	}
}

/// MarkReady transitions Setup -> Ready, consuming (zeroing) the key.
func (p *Process_t) MarkReady() {
	p.Key.Zero()
	p.State = StateReady
}

/// SpawnThread adds a new thread record to the process, creating thread 1
/// (the initial thread) as Ready -> Running transitions happen.
func (p *Process_t) SpawnThread(tid defs.Tid_t) *Tnote_t {
	t := &Tnote_t{Tid: tid, Alive: true}
	p.Threads[tid] = t
	return t
}

/// SetRunning transitions the process into Running(tid), recording tid as
/// the current thread — spec.md §3's invariant that exactly that thread
/// is current while Running.
func (p *Process_t) SetRunning(tid defs.Tid_t) {
	p.State = StateRunning
	p.CurTid = tid
}

/// Terminate transitions the process to Terminated and tears down its
/// transport endpoint, if any.
func (p *Process_t) Terminate() {
	p.State = StateTerminated
	if p.Endpoint != nil {
		p.Endpoint.Close()
	}
}
