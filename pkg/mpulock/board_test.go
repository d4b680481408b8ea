package mpulock_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu/mputest"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpulock"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/sim"
)

func newLockedBoard(t *testing.T) (*sim.Board, *mpulock.Manager, *mputest.Recorder) {
	t.Helper()
	b, err := sim.NewBoard(memmap.Default())
	require.NoError(t, err)
	m := mpulock.New(b.Driver)
	require.NoError(t, m.Init())
	return b, m, mputest.Install(t, b.Driver)
}

// faults executes from the heap and reports whether it trapped. The recording
// handler disarms the guard, so it is re-armed afterwards exactly as the lock
// manager left it.
func faults(t *testing.T, b *sim.Board, m *mpulock.Manager) bool {
	t.Helper()
	before := b.Driver.FaultCount()
	require.NoError(t, b.Exec(sim.SectionHeap))
	trapped := b.Driver.FaultCount() != before
	if trapped {
		require.Equal(t, before+1, b.Driver.FaultCount())
		require.Zero(t, m.Depth())
		b.Driver.EnableRAMXN(true)
	}
	return trapped
}

func TestTwoNestedLocks(t *testing.T) {
	b, m, _ := newLockedBoard(t)

	m.Lock()
	m.Lock()
	require.False(t, faults(t, b, m))
	m.Unlock()
	require.False(t, faults(t, b, m))
	m.Unlock()
	require.True(t, faults(t, b, m))
	require.True(t, faults(t, b, m))
	require.Equal(t, uint64(2), b.Driver.FaultCount())
}

func TestProtectedIffNoLockOutstanding(t *testing.T) {
	for depth := 1; depth <= 6; depth++ {
		t.Run(fmt.Sprintf("depth %d", depth), func(t *testing.T) {
			b, m, _ := newLockedBoard(t)

			require.True(t, faults(t, b, m))
			for i := 0; i < depth; i++ {
				m.Lock()
				require.False(t, faults(t, b, m))
			}
			for i := depth; i > 0; i-- {
				m.Unlock()
				require.Equal(t, i > 1, !faults(t, b, m), "after unlock with %d left", i-1)
			}
		})
	}
}

func TestInterleavedScopes(t *testing.T) {
	b, m, _ := newLockedBoard(t)

	outer := m.Acquire()
	err := m.WithRAMExecution(func() error {
		inner := m.Acquire()
		require.False(t, faults(t, b, m))
		inner.Release()
		return nil
	})
	require.NoError(t, err)
	require.False(t, faults(t, b, m))
	outer.Release()
	require.True(t, faults(t, b, m))
}

func TestFreeWithOutstandingLocks(t *testing.T) {
	b, m, rec := newLockedBoard(t)

	m.Lock()
	m.Lock()
	require.NoError(t, m.Deinit())
	for _, s := range sim.RAMSections {
		require.NoError(t, b.Exec(s))
	}
	m.Unlock()
	m.Unlock()
	require.NoError(t, b.Exec(sim.SectionHeap))
	require.Zero(t, rec.Len())
}

func TestROMWriteLock(t *testing.T) {
	b, m, rec := newLockedBoard(t)

	err := m.WithROMWrite(func() error {
		return b.StoreTo(sim.SectionText, 0x4770)
	})
	require.NoError(t, err)
	require.Zero(t, rec.Len())
	require.True(t, b.Driver.ROMWriteNever())

	require.NoError(t, b.StoreTo(sim.SectionText, 0xBF00))
	require.Equal(t, 1, rec.Len())
}

func TestStrayTrapKeepsManagerState(t *testing.T) {
	b, err := sim.NewBoard(memmap.Default(),
		sim.WithDriverOptions(mpu.WithPolicy(mpu.PolicyDisableAndContinue)))
	require.NoError(t, err)
	m := mpulock.New(b.Driver)
	require.NoError(t, m.Init())

	// Nothing is latched in the fault status registers.
	require.Equal(t, mpu.Resume, b.Driver.Trap(0x08000100))
	require.Zero(t, b.Driver.FaultCount())
	require.Equal(t, mpu.StateEnabled, b.Driver.State())
	require.Zero(t, m.Depth())

	require.NoError(t, b.Exec(sim.SectionHeap))
	require.Equal(t, uint64(1), b.Driver.FaultCount())
}
