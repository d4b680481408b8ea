// Package sim simulates the parts of a Cortex-M core that memory protection
// touches: the MPU and fault status registers, word-addressable memory laid
// out by a memory map, instruction fetches and stores checked against the
// MPU, and the MemManage vector.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/armv7m"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
)

// ErrHalted is returned by every core access after a fault halted the core.
var ErrHalted = errors.New("sim: core halted")

// ErrUnaligned is returned for word accesses that are not 4-byte aligned.
var ErrUnaligned = errors.New("sim: unaligned word access")

const maxRegions = 16

// Vector selects an exception handler slot.
type Vector uint8

const (
	VectorHardFault Vector = iota
	VectorMemManage
	numVectors
)

var vectorNames = map[Vector]string{
	VectorHardFault: "HardFault",
	VectorMemManage: "MemManage",
}

func (v Vector) String() string {
	if s, ok := vectorNames[v]; ok {
		return s
	}
	return fmt.Sprintf("Vector(%d)", v)
}

// Handler runs in exception context with the PC of the faulting
// instruction. A nil handler halts the core.
type Handler func(pc uint32) mpu.Resolution

type config struct {
	regions    int
	driverOpts []mpu.Option
}

// Option configures a Core or a Board.
type Option func(*config)

// WithRegions sets the number of MPU regions the core reports (default 8).
func WithRegions(n int) Option {
	return func(c *config) { c.regions = n }
}

// WithDriverOptions passes options to the board's mpu.Driver.
func WithDriverOptions(opts ...mpu.Option) Option {
	return func(c *config) { c.driverOpts = append(c.driverOpts, opts...) }
}

func newConfig(opts []Option) config {
	cfg := config{regions: 8}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.regions < 0 {
		cfg.regions = 0
	}
	if cfg.regions > maxRegions {
		cfg.regions = maxRegions
	}
	return cfg
}

// Core is a simulated core. Its ReadWord and WriteWord give debugger-style
// access that bypasses the MPU, so a Core is an armv7m.Bus.
type Core struct {
	layout  memmap.Map
	regions int

	mu       sync.Mutex
	ctrl     uint32
	rnr      uint32
	rbar     [maxRegions]uint32
	rasr     [maxRegions]uint32
	shcsr    uint32
	cfsr     uint32
	mmfar    uint32
	mem      map[uint32]uint32
	vectors  [numVectors]Handler
	pc       uint32
	halted   bool
	barriers int
}

var (
	_ armv7m.Bus     = (*Core)(nil)
	_ armv7m.Barrier = (*Core)(nil)
)

// NewCore returns a core in its reset state with memory laid out by layout.
func NewCore(layout memmap.Map, opts ...Option) *Core {
	cfg := newConfig(opts)
	return &Core{
		layout:  layout,
		regions: cfg.regions,
		mem:     make(map[uint32]uint32),
	}
}

// Layout returns the memory map of the core.
func (c *Core) Layout() memmap.Map {
	return c.layout
}

// ReadWord implements armv7m.Bus.
func (c *Core) ReadWord(addr uint32) (uint32, error) {
	if addr&3 != 0 {
		return 0, ErrUnaligned
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch addr {
	case armv7m.RegMPUType:
		return uint32(c.regions) << armv7m.TypeDRegionShift, nil
	case armv7m.RegMPUCtrl:
		return c.ctrl, nil
	case armv7m.RegMPURNR:
		return c.rnr, nil
	case armv7m.RegMPURBAR:
		if !c.validRegion() {
			return 0, nil
		}
		return c.rbar[c.rnr] | c.rnr&armv7m.RBARRegionMask, nil
	case armv7m.RegMPURASR:
		if !c.validRegion() {
			return 0, nil
		}
		return c.rasr[c.rnr], nil
	case armv7m.RegSHCSR:
		return c.shcsr, nil
	case armv7m.RegCFSR:
		return c.cfsr, nil
	case armv7m.RegMMFAR:
		return c.mmfar, nil
	}
	if _, ok := c.layout.Find(addr); !ok {
		return 0, fmt.Errorf("sim: no memory at 0x%08X", addr)
	}
	return c.mem[addr], nil
}

// WriteWord implements armv7m.Bus.
func (c *Core) WriteWord(addr, v uint32) error {
	if addr&3 != 0 {
		return ErrUnaligned
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	glog.V(3).Infof("sim: write 0x%08X = 0x%08X", addr, v)
	switch addr {
	case armv7m.RegMPUType:
		// read-only
	case armv7m.RegMPUCtrl:
		c.ctrl = v & (armv7m.CtrlEnable | armv7m.CtrlHFNMIEna | armv7m.CtrlPrivDefEna)
	case armv7m.RegMPURNR:
		c.rnr = v & 0xFF
	case armv7m.RegMPURBAR:
		if v&armv7m.RBARValid != 0 {
			c.rnr = v & armv7m.RBARRegionMask
		}
		if c.validRegion() {
			c.rbar[c.rnr] = v & armv7m.RBARAddrMask
		}
	case armv7m.RegMPURASR:
		if c.validRegion() {
			c.rasr[c.rnr] = v
		}
	case armv7m.RegSHCSR:
		c.shcsr = v
	case armv7m.RegCFSR:
		c.cfsr &^= v
	case armv7m.RegMMFAR:
		c.mmfar = v
	default:
		if _, ok := c.layout.Find(addr); !ok {
			return fmt.Errorf("sim: no memory at 0x%08X", addr)
		}
		c.mem[addr] = v
	}
	return nil
}

// Barrier implements armv7m.Barrier.
func (c *Core) Barrier() error {
	c.mu.Lock()
	c.barriers++
	c.mu.Unlock()
	return nil
}

// Barriers returns how many barriers were issued.
func (c *Core) Barriers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.barriers
}

func (c *Core) validRegion() bool {
	return int(c.rnr) < c.regions
}

// SetVector installs h for v and returns the previous handler.
func (c *Core) SetVector(v Vector, h Handler) Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.vectors[v]
	c.vectors[v] = h
	return prev
}

// Halted reports whether a fault has halted the core.
func (c *Core) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Reset puts the registers back to their reset values and clears the halt.
// Memory and vectors are kept.
func (c *Core) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctrl, c.rnr, c.shcsr, c.cfsr, c.mmfar, c.pc = 0, 0, 0, 0, 0, 0
	c.rbar = [maxRegions]uint32{}
	c.rasr = [maxRegions]uint32{}
	c.halted = false
}
