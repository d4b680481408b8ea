package armv7m

import (
	"fmt"
	"math/bits"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/memmap"
	"github.com/OpenTraceLab/OpenTraceMPU/pkg/mpu"
)

// The default memory map splits the address space into 512MB windows. The
// code window is executable; the SRAM and external RAM windows are executable
// in the default map too, so they are the ones that need an execute-never
// region.
const (
	windowLog2 = 29
	windowSize = 1 << windowLog2
	subSize    = windowSize / 8

	codeWindow = 0x00000000
)

var ramWindows = []uint32{0x20000000, 0x60000000, 0x80000000}

// RegionConfig is one planned MPU region.
type RegionConfig struct {
	Number int
	Base   uint32
	Attrs  RegionAttrs
	Guard  mpu.Guard
	Desc   string
}

// RBAR returns the MPU_RBAR value that selects and places the region.
func (r RegionConfig) RBAR() uint32 {
	return r.Base&RBARAddrMask | RBARValid | uint32(r.Number)&RBARRegionMask
}

// RASR returns the MPU_RASR value with the enable bit forced to enable.
func (r RegionConfig) RASR(enable bool) uint32 {
	a := r.Attrs
	a.Enable = enable
	return a.Encode()
}

func (r RegionConfig) String() string {
	return fmt.Sprintf("region %d: 0x%08X %s guard=%s (%s)", r.Number, r.Base, r.Attrs, r.Guard, r.Desc)
}

// Plan lays out the regions for layout:
//
//   - region 0 covers the code window read-only, with the sub-regions that
//     hold no ROM disabled so they fall back to the default map;
//   - writable regions inside the code window get an execute-never region
//     of their own;
//   - each RAM window that holds a writable region gets one execute-never
//     region, with sub-regions that hold ROM disabled.
//
// Writable memory elsewhere is already execute-never in the default map.
func Plan(layout memmap.Map) ([]RegionConfig, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	var plan []RegionConfig
	add := func(rc RegionConfig) {
		rc.Number = len(plan)
		plan = append(plan, rc)
	}

	var romInCode []memmap.Region
	for _, r := range layout.ROM() {
		if inWindow(r, codeWindow) {
			romInCode = append(romInCode, r)
		}
	}
	if len(romInCode) > 0 {
		srd := uint8(0xFF)
		for _, r := range romInCode {
			srd &^= subregions(r, codeWindow)
		}
		add(RegionConfig{
			Base: codeWindow,
			Attrs: RegionAttrs{
				SizeLog2: windowLog2,
				SRD:      srd,
				AP:       APReadOnly,
				C:        true, // normal memory, write-through
			},
			Guard: mpu.GuardROMWrite,
			Desc:  "code",
		})
	}

	for _, r := range layout.RAM() {
		if !inWindow(r, codeWindow) {
			continue
		}
		base, log2 := enclosingBlock(r)
		for _, rom := range romInCode {
			if overlaps(uint64(base), uint64(base)+1<<log2, uint64(rom.Origin), rom.End()) {
				return nil, fmt.Errorf("armv7m: %s shares a %s block with %s",
					r.Name, formatSize(1<<log2), rom.Name)
			}
		}
		add(RegionConfig{
			Base: base,
			Attrs: RegionAttrs{
				SizeLog2: log2,
				AP:       APFull,
				TEX:      1,
				C:        true,
				B:        true,
				XN:       true,
			},
			Guard: mpu.GuardRAMExecute,
			Desc:  r.Name,
		})
	}

	for _, w := range ramWindows {
		var names []string
		var ramSubs, romSubs uint8
		for _, r := range layout.Regions {
			if !inWindow(r, w) {
				continue
			}
			if r.Writable() {
				ramSubs |= subregions(r, w)
				names = append(names, r.Name)
			} else {
				romSubs |= subregions(r, w)
			}
		}
		if len(names) == 0 {
			continue
		}
		if ramSubs&romSubs != 0 {
			return nil, fmt.Errorf("armv7m: window 0x%08X mixes RAM and ROM within one %s sub-region",
				w, formatSize(subSize))
		}
		add(RegionConfig{
			Base: w,
			Attrs: RegionAttrs{
				SizeLog2: windowLog2,
				SRD:      romSubs,
				AP:       APFull,
				TEX:      1,
				C:        true,
				B:        true,
				XN:       true,
			},
			Guard: mpu.GuardRAMExecute,
			Desc:  fmt.Sprintf("ram window %v", names),
		})
	}
	return plan, nil
}

func inWindow(r memmap.Region, w uint32) bool {
	return uint64(r.Origin) < uint64(w)+windowSize && r.End() > uint64(w)
}

// subregions returns the mask of window sub-regions that r touches.
func subregions(r memmap.Region, w uint32) uint8 {
	lo := uint64(r.Origin)
	hi := r.End()
	var mask uint8
	for i := uint64(0); i < 8; i++ {
		sLo := uint64(w) + i*subSize
		if overlaps(lo, hi, sLo, sLo+subSize) {
			mask |= 1 << i
		}
	}
	return mask
}

// enclosingBlock returns the smallest naturally aligned power-of-two block
// that covers r.
func enclosingBlock(r memmap.Region) (uint32, uint8) {
	lo := uint64(r.Origin)
	hi := r.End() - 1
	log2 := uint8(MinRegionSizeLog2)
	if diff := lo ^ hi; diff != 0 {
		if n := uint8(bits.Len64(diff)); n > log2 {
			log2 = n
		}
	}
	base := lo &^ (1<<log2 - 1)
	return uint32(base), log2
}

func overlaps(aLo, aHi, bLo, bHi uint64) bool {
	return aLo < bHi && bLo < aHi
}
