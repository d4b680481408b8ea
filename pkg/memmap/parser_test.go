package memmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const stm32Script = `
/* Entry Point */
ENTRY(Reset_Handler)

_estack = ORIGIN(RAM) + LENGTH(RAM);
_Min_Heap_Size = 0x200;

MEMORY
{
  FLASH (rx)  : ORIGIN = 0x08000000, LENGTH = 512K
  RAM (xrw)   : ORIGIN = 0x20000000, LENGTH = 128K
  CCMRAM (rw) : ORIGIN = 0x10000000, LENGTH = 64K
}

SECTIONS
{
  .isr_vector :
  {
    . = ALIGN(4);
    KEEP(*(.isr_vector))
    . = ALIGN(4);
  } >FLASH

  .data :
  {
    _sdata = .;
    *(.data*)
    _edata = .;
  } >RAM AT> FLASH
}
`

func TestParseLinkerScript(t *testing.T) {
	p, err := NewParser()
	require.NoError(t, err)

	m, err := p.ParseString(stm32Script)
	require.NoError(t, err)
	require.Len(t, m.Regions, 3)

	flash, ok := m.Lookup("flash")
	require.True(t, ok)
	require.Equal(t, uint32(0x08000000), flash.Origin)
	require.Equal(t, uint32(512*1024), flash.Length)
	require.False(t, flash.Writable())
	require.True(t, flash.Executable())

	ram, ok := m.Lookup("RAM")
	require.True(t, ok)
	require.True(t, ram.Writable())
	require.Equal(t, AttrRead|AttrWrite|AttrExec, ram.Attrs)

	ccm, ok := m.Lookup("CCMRAM")
	require.True(t, ok)
	require.False(t, ccm.Executable())
}

func TestParseRAMAndROMClassification(t *testing.T) {
	p, err := NewParser()
	require.NoError(t, err)

	m, err := p.ParseString(stm32Script)
	require.NoError(t, err)

	ram := m.RAM()
	require.Len(t, ram, 2)
	// Address order, not declaration order.
	require.Equal(t, "CCMRAM", ram[0].Name)
	require.Equal(t, "RAM", ram[1].Name)

	rom := m.ROM()
	require.Len(t, rom, 1)
	require.Equal(t, "FLASH", rom[0].Name)
}

func TestParseExpressions(t *testing.T) {
	input := `
	MEMORY {
		FLASH (rx) : org = 0x0, len = 256K
		BOOT (rx) : ORIGIN = ORIGIN(FLASH) + LENGTH(FLASH), LENGTH = 4 * 4K
		RAM (rwx) : o = 0x20000000, l = 64K - 0x100
		NOINIT (rw) : ORIGIN = ORIGIN(RAM) + LENGTH(RAM), LENGTH = 0x100
	}
	`
	p, err := NewParser()
	require.NoError(t, err)

	m, err := p.ParseString(input)
	require.NoError(t, err)

	boot, ok := m.Lookup("BOOT")
	require.True(t, ok)
	require.Equal(t, uint32(256*1024), boot.Origin)
	require.Equal(t, uint32(16*1024), boot.Length)

	ram, _ := m.Lookup("RAM")
	require.Equal(t, uint32(64*1024-0x100), ram.Length)

	noinit, _ := m.Lookup("NOINIT")
	require.Equal(t, uint32(0x20000000+64*1024-0x100), noinit.Origin)
}

func TestParseNegatedAttributes(t *testing.T) {
	p, err := NewParser()
	require.NoError(t, err)

	m, err := p.ParseString(`MEMORY { SRAM (rw!x) : ORIGIN = 0x20000000, LENGTH = 32K }`)
	require.NoError(t, err)

	sram := m.Regions[0]
	require.Equal(t, AttrRead|AttrWrite, sram.Attrs)
	require.Equal(t, AttrExec, sram.NotAttrs)
	require.False(t, sram.Executable())
}

func TestParseRegionsWithoutAttributes(t *testing.T) {
	p, err := NewParser()
	require.NoError(t, err)

	m, err := p.ParseString(`MEMORY {
		FLASH (rx) : ORIGIN = 0x08000000, LENGTH = 512K
		RAM : ORIGIN = 0x20000000, LENGTH = 128K
		BKPSRAM (!w) : ORIGIN = 0x40024000, LENGTH = 4K
	}`)
	require.NoError(t, err)

	ram, ok := m.Lookup("RAM")
	require.True(t, ok)
	require.Zero(t, ram.Attrs)
	require.True(t, ram.Writable())
	require.True(t, ram.Executable())

	bkp, _ := m.Lookup("BKPSRAM")
	require.False(t, bkp.Writable())

	require.Len(t, m.RAM(), 1)
	require.Equal(t, "RAM", m.RAM()[0].Name)
	require.Len(t, m.ROM(), 2)
}

func TestParseRejectsBadMaps(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{
			name:  "overlap",
			input: `MEMORY { A (rx) : ORIGIN = 0x0, LENGTH = 8K  B (rw) : ORIGIN = 0x1000, LENGTH = 4K }`,
		},
		{
			name:  "zero length",
			input: `MEMORY { A (rx) : ORIGIN = 0x0, LENGTH = 0 }`,
		},
		{
			name:  "unknown reference",
			input: `MEMORY { A (rx) : ORIGIN = ORIGIN(B), LENGTH = 4K }`,
		},
		{
			name:  "bad attribute",
			input: `MEMORY { A (rq) : ORIGIN = 0x0, LENGTH = 4K }`,
		},
		{
			name:  "no memory command",
			input: `SECTIONS { .text : { *(.text) } }`,
		},
	}

	p, err := NewParser()
	require.NoError(t, err)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.ParseString(tc.input)
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.ld")
	require.NoError(t, os.WriteFile(path, []byte(stm32Script), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m.Regions, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.ld"))
	require.Error(t, err)
}
