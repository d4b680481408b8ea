package dap

import "fmt"

// DebugPortID is a decoded SW-DP identification register.
type DebugPortID struct {
	Raw      uint32
	Revision uint8  // [31:28]
	PartNo   uint8  // [27:20]
	MinDP    bool   // [16]
	Version  uint8  // [15:12] DP architecture version
	Designer uint16 // [11:1] JEP106 continuation count and identity code
}

// ParseDebugPortID splits a raw DPIDR value into its fields.
func ParseDebugPortID(raw uint32) DebugPortID {
	return DebugPortID{
		Raw:      raw,
		Revision: uint8((raw >> 28) & 0xF),
		PartNo:   uint8((raw >> 20) & 0xFF),
		MinDP:    raw&(1<<16) != 0,
		Version:  uint8((raw >> 12) & 0xF),
		Designer: uint16((raw >> 1) & 0x7FF),
	}
}

// Valid reports whether bit 0, which is RAO on every DP, is set.
func (d DebugPortID) Valid() bool {
	return d.Raw&1 == 1
}

func (d DebugPortID) String() string {
	return fmt.Sprintf("DPIDR 0x%08X (DPv%d rev %d, part 0x%02X, designer %s)",
		d.Raw, d.Version, d.Revision, d.PartNo, DesignerName(d.Designer))
}

// designers maps JEP106 codes, continuation count in bits [10:7], to the
// DP designers seen on Cortex-M parts.
var designers = map[uint16]string{
	0x00E: "Freescale",
	0x015: "NXP (Philips)",
	0x017: "Texas Instruments",
	0x01F: "Atmel",
	0x020: "STMicroelectronics",
	0x23B: "ARM Ltd",
}

// DesignerName returns the designer for a JEP106 code.
func DesignerName(code uint16) string {
	if name, ok := designers[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown (0x%03X)", code)
}
