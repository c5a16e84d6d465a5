// Package services implements SystemServices (spec.md §4.3): the
// fixed-capacity process table, key-based process resolution, and the
// scoped-exclusive-access pattern (WithMut) that hands a caller a single
// process record while holding the table-wide mutex.
//
// Grounded on limits/limits.go's Syslimit_t fixed-capacity-table shape
// (slot accounting via Sysatomic_t) and original_source/hosted.rs's
// SystemServices::with_mut, which takes a PID, looks up the process under
// a table-wide mutex, and hands the caller a closure-scoped mutable
// reference rather than a raw pointer.
package services

import (
	"sync"

	"corvid/defs"
	"corvid/limits"
	"corvid/mem"
	"corvid/proc"
	"corvid/vm"
)

/// SystemServices is the process table and its accounting. One instance
/// exists per kernel (or per hosted-mode kernel process).
type SystemServices struct {
	sync.Mutex
	limit *limits.Syslimit_t
	mm    *mem.Physmem_t
	procs map[defs.Pid_t]*proc.Process_t
	nextAsid int

	curMu  sync.Mutex
	curPid defs.Pid_t
	curTid defs.Tid_t
}

/// New constructs an empty SystemServices bound to mm for frame
/// allocation, with capacity from lim.
func New(mm *mem.Physmem_t, lim *limits.Syslimit_t) *SystemServices {
	return &SystemServices{
		limit:    lim,
		mm:       mm,
		procs:    make(map[defs.Pid_t]*proc.Process_t),
		nextAsid: 1,
	}
}

/// CreateProcess allocates the next available PID slot, gives the new
/// process an empty address space, and places it in Setup(key) — matching
/// spec.md §3's invariant that a freshly created process starts in Setup
/// with no threads. Returns ENOPROC if the table is at capacity, mirroring
/// the teacher's Sysatomic_t.Take failure path.
func (ss *SystemServices) CreateProcess(key defs.Key_t) (defs.Pid_t, defs.Err_t) {
	ss.Lock()
	defer ss.Unlock()

	if !ss.limit.Procs.Take(1) {
		return 0, defs.ENOPROC
	}

	pid := defs.Pid_t(0)
	for cand := defs.Pid_t(1); cand <= limits.MaxPID; cand++ {
		if _, taken := ss.procs[cand]; !taken {
			pid = cand
			break
		}
	}
	if pid == 0 {
		ss.limit.Procs.Give(1)
		return 0, defs.ENOPROC
	}

	as, err := vm.New(ss.mm, pid, ss.nextAsid)
	if err != 0 {
		ss.limit.Procs.Give(1)
		return 0, err
	}
	ss.nextAsid++

	ss.procs[pid] = proc.NewProcess(pid, as, key)
	return pid, 0
}

/// ResolveKey performs the linear scan original_source's resolve_key does:
/// find the process in Setup state whose key matches, zero the key, and
/// transition it to Ready. Returns ENOPROC if no Setup process matches.
func (ss *SystemServices) ResolveKey(key defs.Key_t) (defs.Pid_t, defs.Err_t) {
	ss.Lock()
	defer ss.Unlock()

	for pid, p := range ss.procs {
		if p.State == proc.StateSetup && p.Key == key {
			p.MarkReady()
			return pid, 0
		}
	}
	return 0, defs.ENOPROC
}

/// WithMut calls fn with exclusive access to the process record for pid,
/// holding the table mutex for the duration — the teacher's with_mut
/// scoped-access pattern, reproduced with a closure instead of a borrow
/// checker. Returns ENOPROC if pid is not a live process.
func (ss *SystemServices) WithMut(pid defs.Pid_t, fn func(*proc.Process_t) defs.Err_t) defs.Err_t {
	ss.Lock()
	defer ss.Unlock()
	p, ok := ss.procs[pid]
	if !ok {
		return defs.ENOPROC
	}
	return fn(p)
}

/// DestroyProcess tears the process down: releases every frame it owns,
/// terminates its transport endpoint, removes the table slot, and returns
/// its capacity unit.
func (ss *SystemServices) DestroyProcess(pid defs.Pid_t) defs.Err_t {
	ss.Lock()
	defer ss.Unlock()
	p, ok := ss.procs[pid]
	if !ok {
		return defs.ENOPROC
	}
	p.Terminate()
	ss.mm.ReleaseAll(pid)
	delete(ss.procs, pid)
	ss.limit.Procs.Give(1)
	return 0
}

/// SwitchTo records (pid, tid) as the currently-running caller and
/// activates its address space, the single piece of global mutable state
/// the single-threaded dispatcher relies on (spec.md §5) in place of the
/// teacher's g-local Tnote_t.Current().
func (ss *SystemServices) SwitchTo(pid defs.Pid_t, tid defs.Tid_t) defs.Err_t {
	ss.Lock()
	p, ok := ss.procs[pid]
	ss.Unlock()
	if !ok {
		return defs.ENOPROC
	}
	p.SetRunning(tid)
	p.AS.Activate()

	ss.curMu.Lock()
	ss.curPid, ss.curTid = pid, tid
	ss.curMu.Unlock()
	return 0
}

/// CurrentPID reports the currently-running process, per SwitchTo's last
/// call.
func (ss *SystemServices) CurrentPID() defs.Pid_t {
	ss.curMu.Lock()
	defer ss.curMu.Unlock()
	return ss.curPid
}

/// CurrentTID reports the currently-running thread.
func (ss *SystemServices) CurrentTID() defs.Tid_t {
	ss.curMu.Lock()
	defer ss.curMu.Unlock()
	return ss.curTid
}

/// Lookup returns the process record for pid without taking exclusive
/// access, for read-only callers (the dispatcher's diagnostics path).
func (ss *SystemServices) Lookup(pid defs.Pid_t) (*proc.Process_t, bool) {
	ss.Lock()
	defer ss.Unlock()
	p, ok := ss.procs[pid]
	return p, ok
}
