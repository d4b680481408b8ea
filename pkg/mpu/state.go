package mpu

import (
	"fmt"
	"strings"
)

// State is the protection state the driver has programmed into the unit.
type State uint8

const (
	// StateUninitialized: the unit is off and nothing faults.
	StateUninitialized State = iota
	// StateEnabled: regions are programmed and RAM is execute-never.
	StateEnabled
	// StateDisabled: regions are programmed but RAM execution is allowed.
	StateDisabled
)

var stateNames = map[State]string{
	StateUninitialized: "Uninitialized",
	StateEnabled:       "Enabled",
	StateDisabled:      "Disabled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", s)
}

// ParseState converts a state name, ignoring case.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("mpu: unknown state %q", name)
}

type stateTransitions struct {
	onInit  State
	onFree  State
	onXNOn  State
	onXNOff State
}

// transitions is the driver's state table. EnableRAMXN on an uninitialized
// unit has no effect.
var transitions = map[State]stateTransitions{
	StateUninitialized: {onInit: StateEnabled, onFree: StateUninitialized, onXNOn: StateUninitialized, onXNOff: StateUninitialized},
	StateEnabled:       {onInit: StateEnabled, onFree: StateUninitialized, onXNOn: StateEnabled, onXNOff: StateDisabled},
	StateDisabled:      {onInit: StateEnabled, onFree: StateUninitialized, onXNOn: StateEnabled, onXNOff: StateDisabled},
}

// Event is an input to the driver state machine.
type Event uint8

const (
	EventInit Event = iota
	EventFree
	EventRAMXNOn
	EventRAMXNOff
)

// NextState returns the state reached from current on ev. It panics on an
// unknown state, which can only happen through a conversion from an integer.
func NextState(current State, ev Event) State {
	row, ok := transitions[current]
	if !ok {
		panic(fmt.Sprintf("mpu: unhandled state %d", current))
	}
	switch ev {
	case EventInit:
		return row.onInit
	case EventFree:
		return row.onFree
	case EventRAMXNOn:
		return row.onXNOn
	case EventRAMXNOff:
		return row.onXNOff
	}
	panic(fmt.Sprintf("mpu: unhandled event %d", ev))
}
