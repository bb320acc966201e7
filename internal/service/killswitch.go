package service

import "sync/atomic"

// Switch is the global kill switch shared by the balance engine, the
// scheduler, and the admin surface.  When engaged, no new rounds open and
// the balance engine refuses bets; deposits and in-flight cashouts continue.
type Switch struct {
	engaged atomic.Bool
}

// NewSwitch returns a disengaged switch.
func NewSwitch() *Switch { return &Switch{} }

// Engaged reports the current state.
func (s *Switch) Engaged() bool { return s.engaged.Load() }

// Set raises or clears the switch.
func (s *Switch) Set(on bool) { s.engaged.Store(on) }
