package mpulock

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingDriver logs every raw toggle it receives.
type recordingDriver struct {
	mu    sync.Mutex
	ram   []bool
	rom   []bool
	inits int
	frees int
	xn    bool
	wn    bool
}

func newRecordingDriver() *recordingDriver {
	return &recordingDriver{xn: true, wn: true}
}

func (d *recordingDriver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inits++
	d.xn, d.wn = true, true
	return nil
}

func (d *recordingDriver) Free() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frees++
	d.xn, d.wn = false, false
	return nil
}

func (d *recordingDriver) EnableRAMXN(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ram = append(d.ram, on)
	d.xn = on
}

func (d *recordingDriver) EnableROMWN(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rom = append(d.rom, on)
	d.wn = on
}

func (d *recordingDriver) ramToggles() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.ram...)
}

func TestNestedLockTouchesHardwareOnEdges(t *testing.T) {
	drv := newRecordingDriver()
	m := New(drv)
	require.NoError(t, m.Init())

	m.Lock()
	require.False(t, drv.xn)
	m.Lock()
	require.Equal(t, 2, m.Depth())
	m.Unlock()
	require.False(t, drv.xn, "inner unlock must not re-arm")
	m.Unlock()
	require.True(t, drv.xn)
	require.Zero(t, m.Depth())

	require.Equal(t, []bool{false, true}, drv.ramToggles())
	require.Empty(t, drv.rom)
}

func TestROMWriteLockIsIndependent(t *testing.T) {
	drv := newRecordingDriver()
	m := New(drv)
	require.NoError(t, m.Init())

	m.LockROMWrite()
	m.Lock()
	m.UnlockROMWrite()
	require.True(t, drv.wn)
	require.False(t, drv.xn)
	m.Unlock()

	require.Equal(t, []bool{false, true}, drv.rom)
	require.Equal(t, []bool{false, true}, drv.ram)
	require.Zero(t, m.ROMWriteDepth())
}

func TestUnlockWithoutLockPanics(t *testing.T) {
	m := New(newRecordingDriver())
	require.PanicsWithValue(t, "mpulock: unlock of unlocked ram-xn lock", m.Unlock)
	require.PanicsWithValue(t, "mpulock: unlock of unlocked rom-wn lock", m.UnlockROMWrite)
}

func TestLockWithoutDriverPanics(t *testing.T) {
	var m Manager
	require.PanicsWithValue(t, "mpulock: no driver bound", m.Lock)
}

func TestLockOverflowPanics(t *testing.T) {
	m := New(newRecordingDriver())
	m.ramDepth = maxDepth
	require.PanicsWithValue(t, "mpulock: ram-xn lock overflow", m.Lock)
	require.Equal(t, maxDepth, int(m.ramDepth))
}

func TestBindWithOutstandingLocksPanics(t *testing.T) {
	m := New(newRecordingDriver())
	m.Lock()
	require.Panics(t, func() { m.Bind(newRecordingDriver()) })
	m.Unlock()
	require.NotPanics(t, func() { m.Bind(newRecordingDriver()) })
}

func TestReinitKeepsOutstandingLocks(t *testing.T) {
	drv := newRecordingDriver()
	m := New(drv)
	require.NoError(t, m.Init())

	m.Lock()
	m.LockROMWrite()
	require.NoError(t, m.Init())
	require.False(t, drv.xn)
	require.False(t, drv.wn)
	require.Equal(t, 2, drv.inits)

	m.UnlockROMWrite()
	m.Unlock()
	require.True(t, drv.xn)
	require.True(t, drv.wn)
}

func TestDeinitWithOutstandingLock(t *testing.T) {
	drv := newRecordingDriver()
	m := New(drv)
	require.NoError(t, m.Init())

	m.Lock()
	require.NoError(t, m.Deinit())
	require.Equal(t, 1, drv.frees)
	require.NotPanics(t, m.Unlock)
	require.Zero(t, m.Depth())
}

func TestScopeReleasesOnce(t *testing.T) {
	drv := newRecordingDriver()
	m := New(drv)
	require.NoError(t, m.Init())

	s := m.Acquire()
	require.Equal(t, 1, m.Depth())
	s.Release()
	require.Zero(t, m.Depth())
	require.PanicsWithValue(t, "mpulock: ram-xn scope released twice", s.Release)
	require.Zero(t, m.Depth())

	r := m.AcquireROMWrite()
	require.Equal(t, 1, m.ROMWriteDepth())
	r.Release()
	require.Zero(t, m.ROMWriteDepth())
}

func TestWithRAMExecutionReleasesOnEveryExit(t *testing.T) {
	drv := newRecordingDriver()
	m := New(drv)
	require.NoError(t, m.Init())

	boom := errors.New("patch failed")
	err := m.WithRAMExecution(func() error {
		require.Equal(t, 1, m.Depth())
		require.False(t, drv.xn)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Zero(t, m.Depth())
	require.True(t, drv.xn)

	require.Panics(t, func() {
		_ = m.WithRAMExecution(func() error { panic("in patch") })
	})
	require.Zero(t, m.Depth())
	require.True(t, drv.xn)

	err = m.WithROMWrite(func() error {
		require.False(t, drv.wn)
		return nil
	})
	require.NoError(t, err)
	require.True(t, drv.wn)
}

func TestConcurrentLockersKeepHardwareConsistent(t *testing.T) {
	drv := newRecordingDriver()
	m := New(drv)
	require.NoError(t, m.Init())

	const workers, rounds = 16, 500
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				s := m.Acquire()
				// While any lock is held the guard must be down.
				drv.mu.Lock()
				xn := drv.xn
				drv.mu.Unlock()
				if xn {
					t.Errorf("guard armed while lock held")
				}
				s.Release()
			}
		}()
	}
	wg.Wait()

	require.Zero(t, m.Depth())
	require.True(t, drv.xn)
	toggles := drv.ramToggles()
	require.Equal(t, 0, len(toggles)%2)
	for i, on := range toggles {
		require.Equal(t, i%2 == 1, on, "toggle %d", i)
	}
}

func TestPackageLevelManager(t *testing.T) {
	drv := newRecordingDriver()
	Bind(drv)
	t.Cleanup(func() { Bind(nil) })
	require.NoError(t, Init())
	require.Same(t, &std, Default())

	s := Acquire()
	Lock()
	require.Equal(t, 2, Depth())
	Unlock()
	s.Release()

	require.NoError(t, WithROMWrite(func() error {
		require.Equal(t, 1, ROMWriteDepth())
		return nil
	}))
	LockROMWrite()
	UnlockROMWrite()
	require.NoError(t, WithRAMExecution(func() error { return nil }))
	r := AcquireROMWrite()
	r.Release()

	require.Equal(t, []bool{false, true, false, true}, drv.ramToggles())
	require.NoError(t, Deinit())
}
