package sim

import (
	"fmt"
	"strings"

	"github.com/OpenTraceLab/OpenTraceMPU/pkg/memmap"
)

// Section names a place code can live in.
type Section uint8

const (
	SectionText Section = iota
	SectionData
	SectionBSS
	SectionHeap
	SectionStack
)

var sectionNames = map[Section]string{
	SectionText:  "text",
	SectionData:  "data",
	SectionBSS:   "bss",
	SectionHeap:  "heap",
	SectionStack: "stack",
}

// RAMSections lists the writable sections in link order.
var RAMSections = []Section{SectionData, SectionBSS, SectionStack, SectionHeap}

func (s Section) String() string {
	if n, ok := sectionNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Section(%d)", s)
}

// ParseSection converts a section name as printed by String.
func ParseSection(name string) (Section, error) {
	for s, n := range sectionNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("sim: unknown section %q", name)
}

// Section returns a word-aligned address inside s. Text is placed in the
// first ROM region; the others are spread over the largest RAM region like
// a typical linker script does: data and bss at the bottom, heap above them
// and the stack at the top.
func (c *Core) Section(s Section) (uint32, error) {
	return SectionAddr(c.layout, s)
}

// SectionAddr is Section for a bare memory map.
func SectionAddr(layout memmap.Map, s Section) (uint32, error) {
	if s == SectionText {
		rom := layout.ROM()
		if len(rom) == 0 {
			return 0, fmt.Errorf("sim: no ROM region for %s", s)
		}
		return rom[0].Origin + min(0x100, rom[0].Length/2)&^3, nil
	}

	ram, ok := primaryRAM(layout)
	if !ok {
		return 0, fmt.Errorf("sim: no RAM region for %s", s)
	}
	var off uint32
	switch s {
	case SectionData:
		off = ram.Length / 16
	case SectionBSS:
		off = ram.Length / 4
	case SectionHeap:
		off = ram.Length / 2
	case SectionStack:
		off = ram.Length - ram.Length/16
	default:
		return 0, fmt.Errorf("sim: unknown section %s", s)
	}
	return ram.Origin + off&^3, nil
}

func primaryRAM(layout memmap.Map) (memmap.Region, bool) {
	var best memmap.Region
	found := false
	for _, r := range layout.RAM() {
		if !found || r.Length > best.Length {
			best, found = r, true
		}
	}
	return best, found
}
