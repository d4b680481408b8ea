// Package mputest provides a fault-injection harness for tests that exercise
// an mpu.Driver.
//
// The harness swaps the driver's fault handler for one that records the
// fault and disarms the guard that trapped, so the faulting code returns to
// its caller instead of halting. The previous handler is restored when the
// test finishes, whether it passed or not.
package mputest

import (
	"sync"
	"testing"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
)

// Recorder collects the faults seen while installed.
type Recorder struct {
	mu     sync.Mutex
	faults []mpu.Fault
}

// Install resets the driver's fault counter, installs a recording handler
// and registers its removal with tb.Cleanup.
func Install(tb testing.TB, d *mpu.Driver) *Recorder {
	tb.Helper()

	rec := &Recorder{}
	restore := Swap(d, rec)
	tb.Cleanup(restore)
	return rec
}

// Swap installs rec as d's fault handler and resets the fault counter. It is
// the non-testing form of Install; the caller must invoke restore.
func Swap(d *mpu.Driver, rec *Recorder) (restore func()) {
	d.ResetFaultCount()
	return d.InstallFaultHandler(rec.Handle)
}

// Handle is an mpu.FaultHandler: it records f, disarms the trapping guard and
// resumes.
func (r *Recorder) Handle(d *mpu.Driver, f mpu.Fault) mpu.Resolution {
	r.mu.Lock()
	r.faults = append(r.faults, f)
	r.mu.Unlock()

	d.Disarm(f.Guard)
	return mpu.Resume
}

// Faults returns a copy of the recorded faults.
func (r *Recorder) Faults() []mpu.Fault {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mpu.Fault(nil), r.faults...)
}

// Len returns the number of recorded faults.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.faults)
}

// Reset forgets recorded faults.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.faults = nil
	r.mu.Unlock()
}
