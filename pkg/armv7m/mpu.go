package armv7m

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
)

// Bus is word access to the target's system address space.
type Bus interface {
	ReadWord(addr uint32) (uint32, error)
	WriteWord(addr, value uint32) error
}

// Barrier is implemented by buses that must order MPU reconfiguration
// explicitly (DSB followed by ISB on a running core).
type Barrier interface {
	Barrier() error
}

// ErrNoMPU is returned when MPU_TYPE reports no data regions.
var ErrNoMPU = errors.New("armv7m: target has no MPU")

// ErrNotApplied is returned by Arm before Apply has programmed a plan.
var ErrNotApplied = errors.New("armv7m: no region plan applied")

// MPU drives a PMSAv7 unit over a Bus. It implements mpu.Unit.
type MPU struct {
	bus  Bus
	plan []RegionConfig
}

var _ mpu.Unit = (*MPU)(nil)

// New returns an MPU on bus.
func New(bus Bus) *MPU {
	return &MPU{bus: bus}
}

// Regions returns the number of hardware regions from MPU_TYPE.
func (m *MPU) Regions() (int, error) {
	v, err := m.bus.ReadWord(RegMPUType)
	if err != nil {
		return 0, fmt.Errorf("armv7m: read MPU_TYPE: %w", err)
	}
	return int((v & TypeDRegionMask) >> TypeDRegionShift), nil
}

// Info implements mpu.Unit.
func (m *MPU) Info() (mpu.UnitInfo, error) {
	n, err := m.Regions()
	if err != nil {
		return mpu.UnitInfo{}, err
	}
	info := mpu.UnitInfo{Name: "armv7m-pmsa", Regions: n}
	if n == 0 {
		info.Notes = "no MPU"
	}
	return info, nil
}

// Plan returns the plan programmed by the last Apply.
func (m *MPU) Plan() []RegionConfig {
	return m.plan
}

// Apply implements mpu.Unit. It disables the unit, clears every region,
// programs the plan for layout, enables MemManage and turns the unit on with
// the default map as background.
func (m *MPU) Apply(layout memmap.Map) error {
	plan, err := Plan(layout)
	if err != nil {
		return err
	}
	n, err := m.Regions()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoMPU
	}
	if len(plan) > n {
		return fmt.Errorf("armv7m: layout needs %d regions, unit has %d", len(plan), n)
	}

	if err := m.barrier(); err != nil {
		return err
	}
	if err := m.write(RegMPUCtrl, 0); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := m.write(RegMPURNR, uint32(i)); err != nil {
			return err
		}
		if err := m.write(RegMPURASR, 0); err != nil {
			return err
		}
		if err := m.write(RegMPURBAR, 0); err != nil {
			return err
		}
	}
	for _, rc := range plan {
		glog.V(2).Infof("armv7m: %s", rc)
		if err := m.write(RegMPURBAR, rc.RBAR()); err != nil {
			return err
		}
		if err := m.write(RegMPURASR, rc.RASR(true)); err != nil {
			return err
		}
	}

	shcsr, err := m.read(RegSHCSR)
	if err != nil {
		return err
	}
	if err := m.write(RegSHCSR, shcsr|SHCSRMemFaultEna); err != nil {
		return err
	}
	if err := m.write(RegMPUCtrl, CtrlPrivDefEna|CtrlEnable); err != nil {
		return err
	}
	if err := m.barrier(); err != nil {
		return err
	}
	m.plan = plan
	return nil
}

// Disable implements mpu.Unit.
func (m *MPU) Disable() error {
	if err := m.barrier(); err != nil {
		return err
	}
	if err := m.write(RegMPUCtrl, 0); err != nil {
		return err
	}
	return m.barrier()
}

// Arm implements mpu.Unit by flipping the enable bit of every region that
// backs g.
func (m *MPU) Arm(g mpu.Guard, on bool) error {
	if m.plan == nil {
		return ErrNotApplied
	}
	if err := m.barrier(); err != nil {
		return err
	}
	for _, rc := range m.plan {
		if rc.Guard != g {
			continue
		}
		if err := m.write(RegMPURNR, uint32(rc.Number)); err != nil {
			return err
		}
		if err := m.write(RegMPURASR, rc.RASR(on)); err != nil {
			return err
		}
	}
	return m.barrier()
}

// ReadFault implements mpu.Unit. MMFSR bits are write-one-to-clear.
func (m *MPU) ReadFault() (mpu.FaultStatus, error) {
	cfsr, err := m.read(RegCFSR)
	if err != nil {
		return mpu.FaultStatus{}, err
	}
	mmfsr := cfsr & MMFSRMask
	st := mpu.FaultStatus{
		Execute: mmfsr&MMFSRIAccViol != 0,
		Write:   mmfsr&MMFSRDAccViol != 0,
	}
	if mmfsr&MMFSRMMARValid != 0 {
		addr, err := m.read(RegMMFAR)
		if err != nil {
			return st, err
		}
		st.Addr, st.AddrValid = addr, true
	}
	if mmfsr != 0 {
		if err := m.write(RegCFSR, mmfsr); err != nil {
			return st, err
		}
	}
	return st, nil
}

// RegionState is one region as read back from the unit.
type RegionState struct {
	Number int
	Base   uint32
	Attrs  RegionAttrs
}

// Dump reads back the control register and every region.
func (m *MPU) Dump() (ctrl uint32, regions []RegionState, err error) {
	n, err := m.Regions()
	if err != nil {
		return 0, nil, err
	}
	if ctrl, err = m.read(RegMPUCtrl); err != nil {
		return 0, nil, err
	}
	for i := 0; i < n; i++ {
		if err := m.write(RegMPURNR, uint32(i)); err != nil {
			return ctrl, regions, err
		}
		rbar, err := m.read(RegMPURBAR)
		if err != nil {
			return ctrl, regions, err
		}
		rasr, err := m.read(RegMPURASR)
		if err != nil {
			return ctrl, regions, err
		}
		regions = append(regions, RegionState{
			Number: i,
			Base:   rbar & RBARAddrMask,
			Attrs:  DecodeRASR(rasr),
		})
	}
	return ctrl, regions, nil
}

func (m *MPU) read(addr uint32) (uint32, error) {
	v, err := m.bus.ReadWord(addr)
	if err != nil {
		return 0, fmt.Errorf("armv7m: read 0x%08X: %w", addr, err)
	}
	return v, nil
}

func (m *MPU) write(addr, v uint32) error {
	if err := m.bus.WriteWord(addr, v); err != nil {
		return fmt.Errorf("armv7m: write 0x%08X: %w", addr, err)
	}
	return nil
}

func (m *MPU) barrier() error {
	if b, ok := m.bus.(Barrier); ok {
		return b.Barrier()
	}
	return nil
}
