// Package mpulock coordinates temporary suspension of memory protection
// between independent callers.
//
// Several subsystems may need to run code from RAM (a radio patch, a flash
// algorithm) or write to flash at the same time without knowing about each
// other. Each of them takes a lock; the hardware is touched only when the
// first lock is taken and when the last one is released, so one caller
// finishing never re-arms protection under another caller that is still
// running.
//
// The protection unit is one physical resource, so a running system has one
// Manager: the package-level functions operate on it, and mpuctl's probe
// commands bind the hardware target to it. Separate Manager values exist only
// for separate simulated systems, one per scenario run or shell session.
//
// Typical use:
//
//	s := mpulock.Acquire()
//	defer s.Release()
//	runPatchFromRAM()
//
// or, equivalently:
//
//	err := mpulock.WithRAMExecution(runPatchFromRAM)
package mpulock

import (
	"fmt"
	"math"
	"sync"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
)

// Driver is the part of *mpu.Driver the manager uses.
type Driver interface {
	Init() error
	Free() error
	EnableRAMXN(enable bool)
	EnableROMWN(enable bool)
}

// maxDepth bounds each nest counter; reaching it means locks are leaking.
const maxDepth = math.MaxUint16

// Manager holds the nest counters for one protection unit. The zero value is
// ready to use once a driver is bound.
type Manager struct {
	// mu is the critical section: counter update and the hardware toggle it
	// triggers happen under it, so no caller can observe a count that
	// disagrees with the hardware.
	mu       sync.Mutex
	driver   Driver
	ramDepth uint16
	romDepth uint16
}

// New returns a manager bound to d.
func New(d Driver) *Manager {
	return &Manager{driver: d}
}

// Bind attaches the driver. It panics if a lock is outstanding.
func (m *Manager) Bind(d Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ramDepth != 0 || m.romDepth != 0 {
		panic("mpulock: Bind with outstanding locks")
	}
	m.driver = d
}

// Init initializes the driver and keeps any outstanding locks effective
// across the re-initialization.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.mustDriver()
	if err := d.Init(); err != nil {
		return err
	}
	if m.ramDepth > 0 {
		d.EnableRAMXN(false)
	}
	if m.romDepth > 0 {
		d.EnableROMWN(false)
	}
	return nil
}

// Deinit frees the driver. Outstanding locks are left as they are; unwinding
// them later is harmless.
func (m *Manager) Deinit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ramDepth != 0 || m.romDepth != 0 {
		glog.Warningf("mpulock: deinit with %d ram / %d rom locks outstanding", m.ramDepth, m.romDepth)
	}
	return m.mustDriver().Free()
}

// Lock allows execution from RAM until the matching Unlock.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ramDepth = m.acquire(m.ramDepth, mpu.GuardRAMExecute)
}

// Unlock releases one Lock. It panics if no lock is held.
func (m *Manager) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ramDepth = m.release(m.ramDepth, mpu.GuardRAMExecute)
}

// LockROMWrite allows writes to code regions until UnlockROMWrite.
func (m *Manager) LockROMWrite() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.romDepth = m.acquire(m.romDepth, mpu.GuardROMWrite)
}

// UnlockROMWrite releases one LockROMWrite. It panics if no lock is held.
func (m *Manager) UnlockROMWrite() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.romDepth = m.release(m.romDepth, mpu.GuardROMWrite)
}

// acquire must be called with mu held.
func (m *Manager) acquire(depth uint16, g mpu.Guard) uint16 {
	d := m.mustDriver()
	if depth == maxDepth {
		panic(fmt.Sprintf("mpulock: %s lock overflow", g))
	}
	if depth == 0 {
		m.arm(d, g, false)
	}
	return depth + 1
}

// release must be called with mu held.
func (m *Manager) release(depth uint16, g mpu.Guard) uint16 {
	d := m.mustDriver()
	if depth == 0 {
		panic(fmt.Sprintf("mpulock: unlock of unlocked %s lock", g))
	}
	depth--
	if depth == 0 {
		m.arm(d, g, true)
	}
	return depth
}

func (m *Manager) arm(d Driver, g mpu.Guard, on bool) {
	glog.V(2).Infof("mpulock: %s armed=%v", g, on)
	if g == mpu.GuardROMWrite {
		d.EnableROMWN(on)
		return
	}
	d.EnableRAMXN(on)
}

func (m *Manager) mustDriver() Driver {
	if m.driver == nil {
		panic("mpulock: no driver bound")
	}
	return m.driver
}

// Depth returns the number of outstanding RAM execution locks.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.ramDepth)
}

// ROMWriteDepth returns the number of outstanding ROM write locks.
func (m *Manager) ROMWriteDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.romDepth)
}

var std Manager

// Default returns the process-wide manager.
func Default() *Manager { return &std }

// Bind attaches d to the process-wide manager.
func Bind(d Driver) { std.Bind(d) }

// Init initializes the process-wide manager's driver.
func Init() error { return std.Init() }

// Deinit frees the process-wide manager's driver.
func Deinit() error { return std.Deinit() }

// Lock allows RAM execution on the process-wide manager.
func Lock() { std.Lock() }

// Unlock releases one Lock on the process-wide manager.
func Unlock() { std.Unlock() }

// LockROMWrite allows code region writes on the process-wide manager.
func LockROMWrite() { std.LockROMWrite() }

// UnlockROMWrite releases one LockROMWrite on the process-wide manager.
func UnlockROMWrite() { std.UnlockROMWrite() }

// Depth reports outstanding RAM execution locks on the process-wide manager.
func Depth() int { return std.Depth() }

// ROMWriteDepth reports outstanding ROM write locks on the process-wide
// manager.
func ROMWriteDepth() int { return std.ROMWriteDepth() }
