package schedule

import "sync/atomic"

// RunState enforces at-most-one concurrent execution per task and keeps
// per-task counters.
type RunState struct {
	running atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64
}

// TryStart claims the running slot. It reports false when an execution is
// already in flight, in which case the trigger is counted as skipped.
func (s *RunState) TryStart() bool {
	if !s.running.CompareAndSwap(false, true) {
		s.skips.Add(1)
		return false
	}
	s.runs.Add(1)
	return true
}

// Finish releases the running slot.
func (s *RunState) Finish() { s.running.Store(false) }

func (s *RunState) Running() bool { return s.running.Load() }
func (s *RunState) Runs() uint64  { return s.runs.Load() }
func (s *RunState) Skips() uint64 { return s.skips.Load() }
