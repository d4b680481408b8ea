package mpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/memmap"
)

// ErrNotInitialized is reported when a guard is toggled on a driver that was
// never initialized.
var ErrNotInitialized = errors.New("mpu: driver not initialized")

// Driver programs a protection unit so that RAM is execute-never and
// provides the raw toggles the lock manager builds on.
//
// The unit is a single physical resource: create exactly one Driver per unit.
// EnableRAMXN and EnableROMWN are raw toggles; concurrent callers that need
// nesting go through package mpulock.
type Driver struct {
	unit      Unit
	layout    memmap.Map
	policy    Policy
	romWNInit bool
	observers []Observer

	mu          sync.Mutex
	state       State
	romWN       bool
	initialized bool // Init has succeeded at least once
	handler     FaultHandler
	err         error

	faults atomic.Uint64
}

// Option configures a Driver.
type Option func(*Driver)

// WithPolicy selects the fault policy used when no handler is installed.
func WithPolicy(p Policy) Option {
	return func(d *Driver) { d.policy = p }
}

// WithObserver adds a fault observer.
func WithObserver(o Observer) Option {
	return func(d *Driver) { d.observers = append(d.observers, o) }
}

// WithROMWriteNever controls whether Init leaves code regions read-only.
// The default is true.
func WithROMWriteNever(on bool) Option {
	return func(d *Driver) { d.romWNInit = on }
}

// New creates a driver for unit using layout to decide what is RAM.
func New(unit Unit, layout memmap.Map, opts ...Option) *Driver {
	d := &Driver{
		unit:      unit,
		layout:    layout,
		policy:    PolicyHalt,
		romWNInit: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init programs the unit: writable regions execute-never, code regions
// executable, unit enabled. Calling it again re-asserts the same
// configuration.
func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.unit.Apply(d.layout); err != nil {
		return fmt.Errorf("mpu: init: %w", err)
	}
	if err := d.unit.Arm(GuardROMWrite, d.romWNInit); err != nil {
		return fmt.Errorf("mpu: init: %w", err)
	}

	prev := d.state
	d.state = NextState(d.state, EventInit)
	d.romWN = d.romWNInit
	d.initialized = true
	d.err = nil
	glog.Infof("mpu: init %s -> %s (rom-wn=%v)", prev, d.state, d.romWN)
	return nil
}

// Free turns the unit off. It ignores any outstanding lock: after Free
// nothing faults until the next Init.
func (d *Driver) Free() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.unit.Disable(); err != nil {
		return fmt.Errorf("mpu: free: %w", err)
	}
	prev := d.state
	d.state = NextState(d.state, EventFree)
	d.romWN = false
	glog.Infof("mpu: free %s -> %s", prev, d.state)
	return nil
}

// EnableRAMXN arms (true) or disarms (false) the RAM execute-never guard.
// Repeating a value is harmless.
//
// It panics if the driver was never initialized. After Free it does nothing,
// so that locks unwound after teardown stay harmless.
func (d *Driver) EnableRAMXN(enable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.armable("EnableRAMXN") {
		return
	}
	if err := d.unit.Arm(GuardRAMExecute, enable); err != nil {
		d.fail(fmt.Errorf("mpu: ram-xn %v: %w", enable, err))
		return
	}
	ev := EventRAMXNOff
	if enable {
		ev = EventRAMXNOn
	}
	prev := d.state
	d.state = NextState(d.state, ev)
	if glog.V(2) {
		glog.Infof("mpu: ram-xn %v (%s -> %s)", enable, prev, d.state)
	}
}

// EnableROMWN arms (true) or disarms (false) the ROM write-never guard.
func (d *Driver) EnableROMWN(enable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.armable("EnableROMWN") {
		return
	}
	if err := d.unit.Arm(GuardROMWrite, enable); err != nil {
		d.fail(fmt.Errorf("mpu: rom-wn %v: %w", enable, err))
		return
	}
	d.romWN = enable
	glog.V(2).Infof("mpu: rom-wn %v", enable)
}

// armable must be called with mu held.
func (d *Driver) armable(op string) bool {
	if d.state != StateUninitialized {
		return true
	}
	if !d.initialized {
		panic(fmt.Sprintf("mpu: %s called before Init", op))
	}
	glog.V(1).Infof("mpu: %s ignored, unit freed", op)
	return false
}

func (d *Driver) fail(err error) {
	glog.Errorf("%v", err)
	d.err = err
}

// Err returns the last hardware error raised by a guard toggle, if any. Init
// clears it.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// State reports the current protection state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ROMWriteNever reports whether code regions are currently read-only.
func (d *Driver) ROMWriteNever() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.romWN
}

// Policy reports the configured fault policy.
func (d *Driver) Policy() Policy {
	return d.policy
}

// Layout returns the memory map the driver was created with.
func (d *Driver) Layout() memmap.Map {
	return d.layout
}

// Info describes the underlying unit.
func (d *Driver) Info() (UnitInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unit.Info()
}

// InstallFaultHandler replaces the fault handler slot and returns a function
// that puts the previous handler back.
func (d *Driver) InstallFaultHandler(h FaultHandler) (restore func()) {
	d.mu.Lock()
	prev := d.handler
	d.handler = h
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.handler = prev
			d.mu.Unlock()
		})
	}
}

// FaultCount returns the number of faults trapped since the last reset.
func (d *Driver) FaultCount() uint64 {
	return d.faults.Load()
}

// ResetFaultCount zeroes the fault counter.
func (d *Driver) ResetFaultCount() {
	d.faults.Store(0)
}

// Trap is the memory-management fault vector. The platform calls it with the
// stacked PC; the return value tells it whether to resume or halt.
func (d *Driver) Trap(pc uint32) Resolution {
	d.mu.Lock()
	status, err := d.unit.ReadFault()
	handler := d.handler
	d.mu.Unlock()

	if err != nil || !status.Valid() {
		if err != nil {
			glog.Errorf("mpu: trap at 0x%08X: read fault status: %v", pc, err)
		} else {
			glog.Warningf("mpu: trap at 0x%08X with no fault latched", pc)
		}
		return d.spurious()
	}

	f := Fault{PC: pc, Addr: pc}
	switch {
	case status.Execute:
		f.Kind = FaultExecute
		f.Guard = GuardRAMExecute
	case status.Write:
		f.Kind = FaultWrite
		f.Guard = GuardROMWrite
	}
	if status.AddrValid {
		f.Addr = status.Addr
	}
	f.Count = d.faults.Add(1)

	glog.Warningf("mpu: %s", f)
	for _, o := range d.observers {
		o.ObserveFault(f)
	}

	if handler != nil {
		return handler(d, f)
	}
	return d.applyPolicy(f)
}

// spurious resolves a trap that carries no usable fault. Nothing is counted
// or disarmed.
func (d *Driver) spurious() Resolution {
	if d.policy == PolicyHalt {
		return Halt
	}
	return Resume
}

func (d *Driver) applyPolicy(f Fault) Resolution {
	switch d.policy {
	case PolicyDisableAndContinue:
		d.Disarm(f.Guard)
		glog.Warningf("mpu: %s disarmed after fault, continuing", f.Guard)
		return Resume
	default:
		glog.Errorf("mpu: halting on %s", f)
		return Halt
	}
}

// Disarm turns off the guard g. Fault handlers use it to make forward
// progress.
func (d *Driver) Disarm(g Guard) {
	switch g {
	case GuardROMWrite:
		d.EnableROMWN(false)
	default:
		d.EnableRAMXN(false)
	}
}
