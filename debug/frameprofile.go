// Package debug builds a frame-ownership profile for the physical frame
// pool (spec.md §6's diagnostics surface), reusing
// github.com/google/pprof/profile the same way a Go heap profile uses it
// — except the samples here are kernel frames, not allocations.
//
// Not grounded on a specific teacher file: the teacher's own use of
// pprof lives in parts of the repo outside the retrieved sample (its
// forked compiler/runtime). The frame table itself is mem.Physmem_t.
package debug

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"corvid/defs"
	"corvid/mem"
)

/// FrameOwner reports a frame's owning PID, the minimal view
/// FrameProfile needs from mem.Physmem_t.
type FrameOwner interface {
	Nframes() int
	Owner(pa mem.Pa_t) (defs.Pid_t, bool)
}

/// FrameProfile builds a pprof Profile that counts physical frames: one
/// sample per owning PID, labeled with that PID, whose value is the number
/// of frames it owns, and one "free" sample counting unowned frames. go tool pprof can then render frame
/// ownership and fragmentation the way it renders heap allocations.
func FrameProfile(fm FrameOwner) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "frames", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     mem.PGSIZE,
	}

	byPID := map[defs.Pid_t]int64{}
	free := int64(0)
	for i := 0; i < fm.Nframes(); i++ {
		pa := mem.Pa_t(i << mem.PGSHIFT)
		pid, owned := fm.Owner(pa)
		if !owned {
			free++
			continue
		}
		byPID[pid]++
	}

	fn := &profile.Function{ID: 1, Name: "owned", SystemName: "owned", Filename: "frames"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn}}}
	p.Function = []*profile.Function{fn}
	p.Location = []*profile.Location{loc}

	for pid, n := range byPID {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{n},
			Label:    map[string][]string{"pid": {fmt.Sprintf("%d", pid)}},
		})
	}
	if free > 0 {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{free},
			Label:    map[string][]string{"pid": {"free"}},
		})
	}
	return p
}

/// Write serializes the profile to w in pprof's gzipped protobuf format.
func Write(w io.Writer, p *profile.Profile) error {
	return p.Write(w)
}
