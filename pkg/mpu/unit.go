// Package mpu is a portable memory protection driver. Through a Unit it keeps
// writable memory execute-never and code memory write-never, and it traps the
// faults that follow.
package mpu

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/memmap"
)

// Guard names one protection the driver can arm or disarm on its own.
type Guard uint8

const (
	// GuardRAMExecute marks every writable region execute-never.
	GuardRAMExecute Guard = iota
	// GuardROMWrite marks code/flash regions read-only.
	GuardROMWrite
)

func (g Guard) String() string {
	switch g {
	case GuardRAMExecute:
		return "ram-xn"
	case GuardROMWrite:
		return "rom-wn"
	}
	return fmt.Sprintf("Guard(%d)", g)
}

// UnitInfo describes a protection unit implementation.
type UnitInfo struct {
	Name    string
	Regions int // hardware regions available
	Notes   string
}

// FaultStatus is the latched memory-management fault state of the unit.
type FaultStatus struct {
	Execute   bool // instruction fetch violation
	Write     bool // data access violation
	Addr      uint32
	AddrValid bool
}

// Valid reports whether any fault is latched.
func (s FaultStatus) Valid() bool {
	return s.Execute || s.Write
}

// Unit abstracts the memory protection hardware. Implementations are not
// expected to be safe for concurrent use; Driver serializes access.
type Unit interface {
	Info() (UnitInfo, error)
	// Apply programs regions for layout with every guard armed and enables
	// the unit globally.
	Apply(layout memmap.Map) error
	// Disable turns the unit off; nothing faults afterwards.
	Disable() error
	// Arm enables or disables the regions backing one guard.
	Arm(g Guard, on bool) error
	// ReadFault returns the latched fault status and clears it.
	ReadFault() (FaultStatus, error)
}
