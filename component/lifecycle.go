package component

import (
	"encoding/json"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/pkg/codec"
)

// Phase is the lifecycle phase of a component
type Phase string

const (
	// PhaseUnloaded means the component exists but its device is not loaded yet
	PhaseUnloaded Phase = "unloaded"
	// PhaseStarting means the device is initializing
	PhaseStarting Phase = "starting"
	// PhaseRunning means the component is operational
	PhaseRunning Phase = "running"
	// PhaseStopped means the component was terminated
	PhaseStopped Phase = "stopped"
)

// State is the value of a component's state attribute. A non-nil Err means the component
// is in error, usually an errors.HardwareError reported by the device; Phase then tells
// where in its lifecycle the fault happened.
type State struct {
	Phase Phase
	Err   error
}

// StateOf returns a fault-free state in the given phase
func StateOf(phase Phase) State {
	return State{Phase: phase}
}

// Faulted reports whether the state carries an error
func (s State) Faulted() bool {
	return s.Err != nil
}

func (s State) String() string {
	if s.Err != nil {
		return string(s.Phase) + ": " + s.Err.Error()
	}
	return string(s.Phase)
}

type wireState struct {
	Phase Phase             `json:"phase"`
	Error *errors.WireError `json:"error,omitempty"`
}

// MarshalJSON encodes the error with its kind so errors.Is still matches after decoding
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireState{Phase: s.Phase, Error: errors.Encode(s.Err)})
}

// UnmarshalJSON rebuilds a state encoded by MarshalJSON
func (s *State) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.Phase = w.Phase
	s.Err = errors.Decode(w.Error)
	return nil
}

// ReadState returns the state of any component, hosted or proxied
func ReadState(c Component) (State, error) {
	return codec.As[State](c.State().Get())
}

// ChildNames returns the names held by the children attribute
func ChildNames(c Component) ([]string, error) {
	return codec.As[[]string](c.Children().Get())
}
