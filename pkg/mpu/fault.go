package mpu

import "fmt"

// FaultKind classifies a memory-management fault.
type FaultKind uint8

const (
	FaultUnknown FaultKind = iota
	// FaultExecute is an instruction fetch from an execute-never region.
	FaultExecute
	// FaultWrite is a store to a read-only region.
	FaultWrite
)

func (k FaultKind) String() string {
	switch k {
	case FaultExecute:
		return "execute"
	case FaultWrite:
		return "write"
	}
	return "unknown"
}

// Fault describes one trapped violation.
type Fault struct {
	Kind  FaultKind
	Guard Guard
	Addr  uint32 // faulting address, or PC when the unit does not latch one
	PC    uint32
	Count uint64 // value of the fault counter after this fault
}

func (f Fault) String() string {
	return fmt.Sprintf("%s fault at 0x%08X (pc 0x%08X, %s)", f.Kind, f.Addr, f.PC, f.Guard)
}

// Resolution tells the platform how to leave the fault vector.
type Resolution uint8

const (
	// Resume returns to the caller of the faulting instruction.
	Resume Resolution = iota
	// Halt stops the core.
	Halt
)

func (r Resolution) String() string {
	if r == Halt {
		return "halt"
	}
	return "resume"
}

// FaultHandler replaces the driver's fault policy while installed.
type FaultHandler func(d *Driver, f Fault) Resolution

// Policy is the production response to a fault when no handler is installed.
type Policy uint8

const (
	// PolicyHalt logs the fault and halts.
	PolicyHalt Policy = iota
	// PolicyDisableAndContinue disarms the guard that trapped and resumes.
	PolicyDisableAndContinue
)

func (p Policy) String() string {
	switch p {
	case PolicyHalt:
		return "halt"
	case PolicyDisableAndContinue:
		return "disable-and-continue"
	}
	return fmt.Sprintf("Policy(%d)", p)
}

// ParsePolicy converts a policy name as printed by String.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "halt":
		return PolicyHalt, nil
	case "disable-and-continue", "continue":
		return PolicyDisableAndContinue, nil
	}
	return 0, fmt.Errorf("mpu: unknown fault policy %q", s)
}

// Observer is notified of every trapped fault after it has been counted. It
// runs in fault context and must not block.
type Observer interface {
	ObserveFault(f Fault)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(f Fault)

// ObserveFault implements Observer.
func (fn ObserverFunc) ObserveFault(f Fault) { fn(f) }
