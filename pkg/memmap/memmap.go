// Package memmap describes the physical memory regions of a target, as
// declared by the MEMORY command of a GNU ld linker script.
//
// Regions that are writable are classified as RAM and are the ones an MPU
// marks execute-never. Regions that are not writable are classified as ROM
// (flash, code) and stay executable.
package memmap

import (
	"fmt"
	"sort"
	"strings"
)

// Attr is a set of ld region attributes.
type Attr uint8

const (
	AttrRead Attr = 1 << iota
	AttrWrite
	AttrExec
	AttrAlloc
	AttrInit
)

var attrLetters = []struct {
	attr   Attr
	letter byte
}{
	{AttrRead, 'r'},
	{AttrWrite, 'w'},
	{AttrExec, 'x'},
	{AttrAlloc, 'a'},
	{AttrInit, 'i'},
}

// ParseAttrs decodes an ld attribute string such as "rwx" or "rw!x". Letters
// after '!' are returned in the negated set. 'l' is accepted as a synonym of
// 'i'.
func ParseAttrs(s string) (set, negated Attr, err error) {
	neg := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '!' {
			neg = true
			continue
		}
		if ch == 'l' || ch == 'L' {
			ch = 'i'
		}
		found := false
		for _, al := range attrLetters {
			if strings.EqualFold(string(ch), string(al.letter)) {
				if neg {
					negated |= al.attr
				} else {
					set |= al.attr
				}
				found = true
				break
			}
		}
		if !found {
			return 0, 0, fmt.Errorf("memmap: unknown region attribute %q", string(s[i]))
		}
	}
	return set, negated, nil
}

func (a Attr) String() string {
	var b strings.Builder
	for _, al := range attrLetters {
		if a&al.attr != 0 {
			b.WriteByte(al.letter)
		}
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}

// Region is one named memory region.
type Region struct {
	Name   string
	Origin uint32
	Length uint32
	Attrs  Attr
	// NotAttrs holds attributes declared after '!'.
	NotAttrs Attr
}

// End returns the exclusive end address. It is 64-bit so a region reaching
// the top of the 32-bit address space does not wrap.
func (r Region) End() uint64 {
	return uint64(r.Origin) + uint64(r.Length)
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint32) bool {
	return addr >= r.Origin && uint64(addr) < r.End()
}

// Writable reports whether the region is RAM. A region declared without any
// attributes accepts writable sections in ld, so it is RAM unless '!w' says
// otherwise.
func (r Region) Writable() bool {
	if r.Attrs == 0 {
		return r.NotAttrs&AttrWrite == 0
	}
	return r.Attrs&AttrWrite != 0
}

// Executable reports whether the region may hold code. A region declared
// without any attributes is treated as executable, matching ld.
func (r Region) Executable() bool {
	if r.Attrs == 0 {
		return r.NotAttrs&AttrExec == 0
	}
	return r.Attrs&AttrExec != 0
}

func (r Region) String() string {
	return fmt.Sprintf("%s (%s) 0x%08X-0x%08X", r.Name, r.Attrs, r.Origin, r.End()-1)
}

// Map is an ordered set of non-overlapping regions.
type Map struct {
	Regions []Region
}

// Default returns the layout of a typical Cortex-M part: 512K of flash at
// 0x08000000 and 128K of SRAM at 0x20000000.
func Default() Map {
	return Map{Regions: []Region{
		{Name: "FLASH", Origin: 0x08000000, Length: 512 * 1024, Attrs: AttrRead | AttrExec},
		{Name: "RAM", Origin: 0x20000000, Length: 128 * 1024, Attrs: AttrRead | AttrWrite | AttrExec},
	}}
}

// RAM returns the writable regions in address order.
func (m Map) RAM() []Region {
	var out []Region
	for _, r := range m.sorted() {
		if r.Writable() {
			out = append(out, r)
		}
	}
	return out
}

// ROM returns the read-only regions in address order.
func (m Map) ROM() []Region {
	var out []Region
	for _, r := range m.sorted() {
		if !r.Writable() {
			out = append(out, r)
		}
	}
	return out
}

// Find returns the region containing addr.
func (m Map) Find(addr uint32) (Region, bool) {
	for _, r := range m.Regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// Lookup returns the region with the given name (case-insensitive).
func (m Map) Lookup(name string) (Region, bool) {
	for _, r := range m.Regions {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return Region{}, false
}

// Validate checks that every region is non-empty, fits in the 32-bit address
// space and does not overlap another region.
func (m Map) Validate() error {
	if len(m.Regions) == 0 {
		return fmt.Errorf("memmap: no regions")
	}
	seen := make(map[string]struct{}, len(m.Regions))
	for _, r := range m.Regions {
		if r.Length == 0 {
			return fmt.Errorf("memmap: region %s has zero length", r.Name)
		}
		if r.End() > 1<<32 {
			return fmt.Errorf("memmap: region %s exceeds the 32-bit address space", r.Name)
		}
		key := strings.ToUpper(r.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("memmap: duplicate region %s", r.Name)
		}
		seen[key] = struct{}{}
	}
	sorted := m.sorted()
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if uint64(cur.Origin) < prev.End() {
			return fmt.Errorf("memmap: region %s overlaps %s", cur.Name, prev.Name)
		}
	}
	return nil
}

func (m Map) sorted() []Region {
	out := append([]Region(nil), m.Regions...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}
