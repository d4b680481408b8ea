package sim

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/armv7m"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
)

type access uint8

const (
	accessFetch access = iota
	accessLoad
	accessStore
)

func (a access) String() string {
	switch a {
	case accessFetch:
		return "fetch"
	case accessLoad:
		return "load"
	}
	return "store"
}

// Execute fetches an instruction at addr. A fetch from execute-never memory
// raises MemManage; if the handler resumes, the fetch is retried once and
// abandoned (control returns to the caller) if it is still blocked.
func (c *Core) Execute(addr uint32) error {
	_, err := c.access(addr, accessFetch, 0)
	return err
}

// Store writes v at addr as the code last executed would.
func (c *Core) Store(addr, v uint32) error {
	_, err := c.access(addr, accessStore, v)
	return err
}

// Load reads the word at addr through the MPU.
func (c *Core) Load(addr uint32) (uint32, error) {
	return c.access(addr, accessLoad, 0)
}

func (c *Core) access(addr uint32, a access, v uint32) (uint32, error) {
	word := addr &^ 3
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		if c.halted {
			c.mu.Unlock()
			return 0, ErrHalted
		}
		if _, ok := c.layout.Find(addr); !ok {
			c.mu.Unlock()
			return 0, fmt.Errorf("sim: %s at unmapped address 0x%08X", a, addr)
		}
		if a == accessFetch {
			c.pc = addr
		}
		if c.permitted(addr, a) {
			var out uint32
			switch a {
			case accessStore:
				c.mem[word] = v
			case accessLoad:
				out = c.mem[word]
			}
			c.mu.Unlock()
			return out, nil
		}
		if attempt > 0 {
			c.mu.Unlock()
			glog.V(1).Infof("sim: %s at 0x%08X still blocked after fault, returning to caller", a, addr)
			return 0, nil
		}

		pc := c.pc
		vec := c.raise(addr, a)
		h := c.vectors[vec]
		c.mu.Unlock()

		// The handler reprograms the MPU through the bus, so it runs without
		// the core lock held.
		res := mpu.Halt
		if h != nil {
			res = h(pc)
		}
		if res == mpu.Halt {
			c.mu.Lock()
			c.halted = true
			c.mu.Unlock()
			glog.Errorf("sim: core halted by %s at pc 0x%08X", vec, pc)
			return 0, ErrHalted
		}
	}
}

// raise latches the fault status and picks the vector. mu must be held.
func (c *Core) raise(addr uint32, a access) Vector {
	if a == accessFetch {
		c.cfsr |= armv7m.MMFSRIAccViol
	} else {
		c.cfsr |= armv7m.MMFSRDAccViol | armv7m.MMFSRMMARValid
		c.mmfar = addr
	}
	if c.shcsr&armv7m.SHCSRMemFaultEna == 0 {
		return VectorHardFault
	}
	return VectorMemManage
}

// permitted evaluates a privileged access the way a PMSAv7 unit does. mu
// must be held.
func (c *Core) permitted(addr uint32, a access) bool {
	if c.ctrl&armv7m.CtrlEnable == 0 {
		return true
	}
	for i := c.regions - 1; i >= 0; i-- {
		attrs := armv7m.DecodeRASR(c.rasr[i])
		if !attrs.Enable || !attrs.Contains(c.rbar[i], addr) {
			continue
		}
		switch a {
		case accessFetch:
			return !attrs.XN && attrs.Readable()
		case accessLoad:
			return attrs.Readable()
		default:
			return attrs.Writable()
		}
	}
	if c.ctrl&armv7m.CtrlPrivDefEna == 0 {
		return false
	}
	if a == accessFetch {
		return defaultExecutable(addr)
	}
	return true
}

// defaultExecutable reports whether the architectural default memory map
// allows instruction fetches from addr: the code, SRAM and external RAM
// windows do; peripheral, device and system space do not.
func defaultExecutable(addr uint32) bool {
	return addr < 0x40000000 || (addr >= 0x60000000 && addr < 0xA0000000)
}
