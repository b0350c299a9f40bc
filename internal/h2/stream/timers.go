package stream

import "time"

// ArmTimers starts the liveness watchers: an inactivity timer that is pushed
// back on every frame of progress, and a transfer timer bounding the whole
// exchange regardless of progress. A zero duration disables the respective
// watcher.
func (s *Stream) ArmTimers(inactivity, transfer time.Duration, onInactivity, onTransfer func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timersArmed || s.state == StateClosed {
		return
	}
	s.timersArmed = true
	if inactivity > 0 {
		s.inactivityTimer = time.AfterFunc(inactivity, onInactivity)
		s.inactivityInterval = inactivity
	}
	if transfer > 0 {
		s.transferTimer = time.AfterFunc(transfer, onTransfer)
	}
}

// Touch pushes the inactivity timer back; called on any frame progress for
// the stream. The transfer timer keeps running: it bounds total time, not
// idleness.
func (s *Stream) Touch() {
	s.mu.Lock()
	if s.inactivityTimer != nil {
		s.inactivityTimer.Reset(s.inactivityInterval)
	}
	s.mu.Unlock()
}

// StopTimers disarms both watchers. The table guarantees exactly one call at
// the transition to StateClosed so fired-after-close resets cannot leak.
func (s *Stream) StopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
		s.inactivityTimer = nil
	}
	if s.transferTimer != nil {
		s.transferTimer.Stop()
		s.transferTimer = nil
	}
}
