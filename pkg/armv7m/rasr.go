package armv7m

import (
	"fmt"
	"strings"
)

// RegionAttrs is a decoded MPU_RASR value.
type RegionAttrs struct {
	Enable   bool
	SizeLog2 uint8 // region covers 1<<SizeLog2 bytes
	SRD      uint8 // bit n disables sub-region n
	AP       uint8
	TEX      uint8
	S, C, B  bool
	XN       bool
}

// Encode packs the attributes into an MPU_RASR value.
func (a RegionAttrs) Encode() uint32 {
	v := uint32(a.SizeLog2-1) << RASRSizeShift & RASRSizeMask
	v |= uint32(a.SRD) << RASRSRDShift
	v |= uint32(a.AP&0x7) << RASRAPShift
	v |= uint32(a.TEX&0x7) << RASRTEXShift
	if a.Enable {
		v |= RASREnable
	}
	if a.S {
		v |= RASRSBit
	}
	if a.C {
		v |= RASRCBit
	}
	if a.B {
		v |= RASRBBit
	}
	if a.XN {
		v |= RASRXN
	}
	return v
}

// DecodeRASR unpacks an MPU_RASR value.
func DecodeRASR(v uint32) RegionAttrs {
	return RegionAttrs{
		Enable:   v&RASREnable != 0,
		SizeLog2: uint8((v&RASRSizeMask)>>RASRSizeShift) + 1,
		SRD:      uint8((v & RASRSRDMask) >> RASRSRDShift),
		AP:       uint8((v & RASRAPMask) >> RASRAPShift),
		TEX:      uint8((v & RASRTEXMask) >> RASRTEXShift),
		S:        v&RASRSBit != 0,
		C:        v&RASRCBit != 0,
		B:        v&RASRBBit != 0,
		XN:       v&RASRXN != 0,
	}
}

// Size returns the region size in bytes.
func (a RegionAttrs) Size() uint64 {
	return uint64(1) << a.SizeLog2
}

// Writable reports whether privileged code may write through the region.
func (a RegionAttrs) Writable() bool {
	switch a.AP {
	case APPrivRW, 0b010, APFull:
		return true
	}
	return false
}

// Readable reports whether privileged code may read through the region.
func (a RegionAttrs) Readable() bool {
	return a.AP != APNoAccess && a.AP != 0b100
}

func (a RegionAttrs) String() string {
	var flags []string
	if a.Enable {
		flags = append(flags, "en")
	}
	if a.XN {
		flags = append(flags, "xn")
	}
	if !a.Writable() {
		flags = append(flags, "ro")
	}
	return fmt.Sprintf("size=%s srd=%08b ap=%03b tex=%d c=%v b=%v s=%v [%s]",
		formatSize(a.Size()), a.SRD, a.AP, a.TEX, a.C, a.B, a.S, strings.Join(flags, ","))
}

// Contains reports whether addr is covered by an enabled sub-region of a
// region based at base. It does not look at Enable.
func (a RegionAttrs) Contains(base, addr uint32) bool {
	size := a.Size()
	if uint64(addr) < uint64(base) || uint64(addr) >= uint64(base)+size {
		return false
	}
	// Regions of 256 bytes or more are split into eight sub-regions.
	if a.SizeLog2 >= 8 && a.SRD != 0 {
		sub := (uint64(addr) - uint64(base)) / (size / 8)
		if a.SRD&(1<<sub) != 0 {
			return false
		}
	}
	return true
}

func formatSize(n uint64) string {
	switch {
	case n >= 1<<30 && n%(1<<30) == 0:
		return fmt.Sprintf("%dGB", n>>30)
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dMB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dKB", n>>10)
	}
	return fmt.Sprintf("%dB", n)
}
