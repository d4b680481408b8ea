package mpulock

import (
	"fmt"
	"sync/atomic"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
)

// noCopy lets go vet's copylocks check flag copies of a Scope.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Scope is one held lock. Release it exactly once, normally with defer in the
// function that acquired it; never store it somewhere that outlives that
// function.
type Scope struct {
	noCopy noCopy

	m        *Manager
	guard    mpu.Guard
	released atomic.Bool
}

// Acquire takes a RAM execution lock and returns its scope.
func (m *Manager) Acquire() *Scope {
	m.Lock()
	return &Scope{m: m, guard: mpu.GuardRAMExecute}
}

// AcquireROMWrite takes a ROM write lock and returns its scope.
func (m *Manager) AcquireROMWrite() *Scope {
	m.LockROMWrite()
	return &Scope{m: m, guard: mpu.GuardROMWrite}
}

// Release gives the lock back. Releasing a scope twice panics.
func (s *Scope) Release() {
	if !s.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("mpulock: %s scope released twice", s.guard))
	}
	if s.guard == mpu.GuardROMWrite {
		s.m.UnlockROMWrite()
		return
	}
	s.m.Unlock()
}

// WithRAMExecution runs fn with RAM execution allowed. The lock is released
// on every exit from fn, including a panic.
func (m *Manager) WithRAMExecution(fn func() error) error {
	s := m.Acquire()
	defer s.Release()
	return fn()
}

// WithROMWrite runs fn with code region writes allowed.
func (m *Manager) WithROMWrite(fn func() error) error {
	s := m.AcquireROMWrite()
	defer s.Release()
	return fn()
}

// Acquire takes a RAM execution lock on the process-wide manager.
func Acquire() *Scope { return std.Acquire() }

// AcquireROMWrite takes a ROM write lock on the process-wide manager.
func AcquireROMWrite() *Scope { return std.AcquireROMWrite() }

// WithRAMExecution runs fn under a RAM execution lock on the process-wide
// manager.
func WithRAMExecution(fn func() error) error { return std.WithRAMExecution(fn) }

// WithROMWrite runs fn under a ROM write lock on the process-wide manager.
func WithROMWrite(fn func() error) error { return std.WithROMWrite(fn) }
