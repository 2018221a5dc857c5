// Package budget tracks soft time and memory limits for long-running
// background work so that a job can stop cleanly before the host kills it.
package budget

import (
	"fmt"
	"runtime"
	"time"
)

// Kind identifies which resource a budget check tripped on.
type Kind string

const (
	KindTime   = Kind("time")
	KindMemory = Kind("memory")
)

// SafetyFactor is the fraction of a limit that may actually be consumed
// before Exceeded reports true. Stopping short of the hard limit leaves
// headroom to persist progress.
const SafetyFactor = 0.9

// A Budget holds a deadline and a heap-allocation ceiling. The zero value
// has no limits and never reports exceeded.
type Budget struct {
	deadline time.Time
	memLimit uint64
}

// New returns a budget that expires after the given duration and when heap
// allocation passes the given byte count. A zero duration or limit disables
// that dimension.
func New(d time.Duration, memLimit uint64) *Budget {
	var b = &Budget{}
	if memLimit > 0 {
		b.memLimit = uint64(float64(memLimit) * SafetyFactor)
		if b.memLimit == 0 {
			// Scaling must tighten a small limit, never erase it.
			b.memLimit = 1
		}
	}
	if d > 0 {
		b.deadline = time.Now().Add(time.Duration(float64(d) * SafetyFactor))
	}
	return b
}

// Exceeded reports whether either limit has been passed, and which one.
func (b *Budget) Exceeded() (bool, Kind) {
	if !b.deadline.IsZero() && time.Now().After(b.deadline) {
		return true, KindTime
	}
	if b.memLimit > 0 {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		if stats.HeapAlloc > b.memLimit {
			return true, KindMemory
		}
	}
	return false, ""
}

// Remaining returns the time left before the deadline, or zero when no
// deadline is set.
func (b *Budget) Remaining() time.Duration {
	if b.deadline.IsZero() {
		return 0
	}
	return time.Until(b.deadline)
}

// ErrExceeded is returned by workers that stop early because a budget ran out.
type ErrExceeded struct {
	Kind Kind
}

func (e *ErrExceeded) Error() string {
	return fmt.Sprintf("%s budget exceeded", e.Kind)
}
