// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"sync"
)

// =============================================================================
// OUTSTANDING-CYCLE SLOT (THREAD-SAFE)
// =============================================================================

// cycleSlot holds the cancel function for the single outstanding streaming
// cycle. Starting a new cycle through the slot implicitly cancels the one
// in flight, so two cycles can never race for the same trailing message.
// Each cycle is identified by a generation number; a cycle that lost the
// slot can detect it and stop committing.
type cycleSlot struct {
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	gen        uint64
	active     bool
}

func newCycleSlot() *cycleSlot {
	return &cycleSlot{}
}

// begin cancels any in-flight cycle, installs the cancel function for the
// new one, and returns its generation token.
func (s *cycleSlot) begin(fn context.CancelFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.gen++
	s.cancelFunc = fn
	s.active = true
	return s.gen
}

// cancel invokes the stored cancel function and clears the slot. Safe to
// call multiple times or with no cycle in flight.
func (s *cycleSlot) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}
	s.active = false
}

// owns reports whether gen still holds the slot.
func (s *cycleSlot) owns(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && s.gen == gen
}

// finish releases the slot if gen still owns it, cancelling its context
// either way to prevent leaks.
func (s *cycleSlot) finish(gen uint64, fn context.CancelFunc) {
	fn()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.cancelFunc = nil
		s.active = false
	}
}

// generating reports whether a cycle currently owns the slot.
func (s *cycleSlot) generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
