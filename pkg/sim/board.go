package sim

import (
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/armv7m"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
)

// Board is a core with its MPU driver wired to the MemManage vector.
type Board struct {
	Core   *Core
	Unit   *armv7m.MPU
	Driver *mpu.Driver
}

// NewBoard builds a board for layout. The MPU is left off until the
// driver's Init.
func NewBoard(layout memmap.Map, opts ...Option) (*Board, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	cfg := newConfig(opts)
	core := NewCore(layout, opts...)
	unit := armv7m.New(core)
	drv := mpu.New(unit, layout, cfg.driverOpts...)
	core.SetVector(VectorMemManage, drv.Trap)
	return &Board{Core: core, Unit: unit, Driver: drv}, nil
}

// Exec executes code placed in s.
func (b *Board) Exec(s Section) error {
	addr, err := b.Core.Section(s)
	if err != nil {
		return err
	}
	return b.Core.Execute(addr)
}

// StoreTo writes v into s.
func (b *Board) StoreTo(s Section, v uint32) error {
	addr, err := b.Core.Section(s)
	if err != nil {
		return err
	}
	return b.Core.Store(addr, v)
}
