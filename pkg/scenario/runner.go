package scenario

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu/mputest"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpulock"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/sim"
)

// Failure is one step that did not behave as expected.
type Failure struct {
	Line int
	Step string
	Msg  string
}

func (f Failure) String() string {
	return fmt.Sprintf("line %d: %s: %s", f.Line, f.Step, f.Msg)
}

// Result is the outcome of one scenario.
type Result struct {
	Name     string
	Steps    int
	Faults   uint64 // fault counter at the end of the run
	Recorded []mpu.Fault
	Failures []Failure
	Err      error // the board could not be built
}

// OK reports whether the scenario passed.
func (r Result) OK() bool {
	return r.Err == nil && len(r.Failures) == 0
}

// Runner executes scenarios on fresh simulated boards.
type Runner struct {
	Layout    memmap.Map
	Observers []mpu.Observer
}

// NewRunner returns a runner for layout.
func NewRunner(layout memmap.Map, observers ...mpu.Observer) *Runner {
	return &Runner{Layout: layout, Observers: observers}
}

// Run executes sc. Each run gets its own board and lock manager, so runs are
// independent of each other and of the process-wide manager.
func (r *Runner) Run(sc *Scenario) Result {
	res := Result{Name: sc.Name}

	var drvOpts []mpu.Option
	if sc.Policy != nil {
		drvOpts = append(drvOpts, mpu.WithPolicy(*sc.Policy))
	}
	for _, o := range r.Observers {
		drvOpts = append(drvOpts, mpu.WithObserver(o))
	}
	opts := []sim.Option{sim.WithDriverOptions(drvOpts...)}
	if sc.Regions > 0 {
		opts = append(opts, sim.WithRegions(sc.Regions))
	}
	board, err := sim.NewBoard(r.Layout, opts...)
	if err != nil {
		res.Err = err
		return res
	}

	rec := &mputest.Recorder{}
	if sc.Policy == nil {
		restore := mputest.Swap(board.Driver, rec)
		defer restore()
	}

	x := &execution{board: board, mgr: mpulock.New(board.Driver), rec: rec}
	for _, step := range sc.Steps {
		res.Steps++
		if msg := x.step(step); msg != "" {
			glog.V(1).Infof("scenario %s: line %d: %s: %s", sc.Name, step.Line, step, msg)
			res.Failures = append(res.Failures, Failure{Line: step.Line, Step: step.String(), Msg: msg})
		}
	}
	res.Faults = board.Driver.FaultCount()
	res.Recorded = rec.Faults()
	return res
}

// RunAll executes scenarios concurrently and returns results in input order.
func (r *Runner) RunAll(scs []*Scenario) []Result {
	results := make([]Result, len(scs))
	var wg sync.WaitGroup
	for i, sc := range scs {
		wg.Add(1)
		go func(i int, sc *Scenario) {
			defer wg.Done()
			results[i] = r.Run(sc)
		}(i, sc)
	}
	wg.Wait()
	return results
}

type execution struct {
	board *sim.Board
	mgr   *mpulock.Manager
	rec   *mputest.Recorder
}

// step runs one step and returns a failure message, or "" on success.
// Contract violations (unbalanced unlock) panic in the lock manager; they
// are reported as failures of the step.
func (x *execution) step(s Step) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("panic: %v", r)
		}
	}()

	drv := x.board.Driver
	switch s.Op {
	case OpInit:
		return errMsg(x.mgr.Init())
	case OpFree:
		return errMsg(x.mgr.Deinit())
	case OpLock:
		x.mgr.Lock()
	case OpUnlock:
		x.mgr.Unlock()
	case OpLockROM:
		x.mgr.LockROMWrite()
	case OpUnlockROM:
		x.mgr.UnlockROMWrite()
	case OpRAMXN:
		return toggleMsg(drv, func() { drv.EnableRAMXN(s.Bool) })
	case OpROMWN:
		return toggleMsg(drv, func() { drv.EnableROMWN(s.Bool) })
	case OpExec:
		return accessMsg(x.board.Exec(s.Section))
	case OpStore:
		return accessMsg(x.board.StoreTo(s.Section, 0xA5A5A5A5))
	case OpExpectFaults:
		if got := drv.FaultCount(); got != uint64(s.Int) {
			return fmt.Sprintf("fault count %d, want %d", got, s.Int)
		}
	case OpResetFaults:
		drv.ResetFaultCount()
		x.rec.Reset()
	case OpExpectState:
		if got := drv.State(); got != s.State {
			return fmt.Sprintf("state %s, want %s", got, s.State)
		}
	case OpExpectDepth:
		if got := x.mgr.Depth(); got != s.Int {
			return fmt.Sprintf("lock depth %d, want %d", got, s.Int)
		}
	case OpExpectHalted:
		if got := x.board.Core.Halted(); got != s.Bool {
			return fmt.Sprintf("halted %v, want %v", got, s.Bool)
		}
	default:
		return fmt.Sprintf("unsupported step %s", s.Op)
	}
	return ""
}

func errMsg(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}

// toggleMsg runs a guard toggle and reports the error it raised. The driver
// keeps its last error until the next Init, so an older one is not reported
// again.
func toggleMsg(drv *mpu.Driver, toggle func()) string {
	prev := drv.Err()
	toggle()
	if err := drv.Err(); err != prev {
		return errMsg(err)
	}
	return ""
}

// accessMsg treats a halted core as an outcome to check with expect-halted
// rather than a failure of the access itself.
func accessMsg(err error) string {
	if errors.Is(err, sim.ErrHalted) {
		return ""
	}
	return errMsg(err)
}
