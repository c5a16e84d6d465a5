// Package limits holds the kernel's fixed capacities. The process table
// refuses to grow past Procs (services.CreateProcess takes from it).
// Frames and ThreadsPerProc record the frame-pool size and a per-process
// thread bound, but neither mem nor proc consults them: the frame pool is
// bounded by mem.Physmem_t's fixed arena, and proc.SpawnThread does not
// check a thread count.
package limits

import "sync/atomic"

/// Sysatomic_t is an atomically adjusted capacity counter: Take reserves
/// n units and reports whether the pool had room; Give returns n units.
type Sysatomic_t int64

func (s *Sysatomic_t) ptr() *int64 { return (*int64)(s) }

/// Take reserves n units, refusing (and rolling back) if that would make
/// the remaining capacity negative.
func (s *Sysatomic_t) Take(n uint) bool {
	remaining := atomic.AddInt64(s.ptr(), -int64(n))
	if remaining >= 0 {
		return true
	}
	atomic.AddInt64(s.ptr(), int64(n))
	return false
}

/// Give returns n units to the pool.
func (s *Sysatomic_t) Give(n uint) {
	atomic.AddInt64(s.ptr(), int64(n))
}

/// Remaining reports the current count without mutating it.
func (s *Sysatomic_t) Remaining() int64 {
	return atomic.LoadInt64(s.ptr())
}

/// Syslimit_t is the set of system-wide fixed capacities this kernel
/// enforces. Unlike the teacher's filesystem-era Syslimit_t (vnodes,
/// arp entries, tcp segments), this kernel only has processes, threads,
/// and physical frames to bound.
type Syslimit_t struct {
	Procs          Sysatomic_t
	ThreadsPerProc uint
	Frames         Sysatomic_t
}

/// MaxPID mirrors the ASID field width (spec.md §3): PIDs are 1..=63.
const MaxPID = 63

/// MaxThreadsPerProc is the default ThreadsPerProc value; proc does not
/// enforce it.
const MaxThreadsPerProc = 32

/// MkSysLimit returns the default limit set for a kernel with the given
/// physical frame pool size.
func MkSysLimit(frames int) *Syslimit_t {
	return &Syslimit_t{
		Procs:          Sysatomic_t(MaxPID),
		ThreadsPerProc: MaxThreadsPerProc,
		Frames:         Sysatomic_t(frames),
	}
}
