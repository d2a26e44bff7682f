package sluice

import "fmt"

// TerminationState is the lifecycle state of a Bridge.
type TerminationState int32

const (
	StateActive TerminationState = iota
	StateDraining
	StateTerminated
	StateErrored
)

func (s TerminationState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether the state is absorbing.
func (s TerminationState) Terminal() bool {
	return s == StateTerminated || s == StateErrored
}

// canTransition holds the legal edges of the termination state machine.
func canTransition(from, to TerminationState) bool {
	switch to {
	case StateDraining:
		return from == StateActive
	case StateTerminated:
		return from == StateDraining
	case StateErrored:
		return from == StateActive || from == StateDraining
	}
	return false
}
