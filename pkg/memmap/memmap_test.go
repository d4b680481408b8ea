package memmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAttrs(t *testing.T) {
	cases := []struct {
		in      string
		set     Attr
		negated Attr
		wantErr bool
	}{
		{in: "rx", set: AttrRead | AttrExec},
		{in: "xrw", set: AttrRead | AttrWrite | AttrExec},
		{in: "RW", set: AttrRead | AttrWrite},
		{in: "rw!x", set: AttrRead | AttrWrite, negated: AttrExec},
		{in: "ail", set: AttrAlloc | AttrInit},
		{in: "", set: 0},
		{in: "z", wantErr: true},
	}
	for _, tc := range cases {
		set, negated, err := ParseAttrs(tc.in)
		if tc.wantErr {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.set, set, tc.in)
		require.Equal(t, tc.negated, negated, tc.in)
	}
}

func TestRegionBounds(t *testing.T) {
	r := Region{Name: "TOP", Origin: 0xFFFF0000, Length: 0x10000, Attrs: AttrRead}
	require.Equal(t, uint64(1<<32), r.End())
	require.True(t, r.Contains(0xFFFFFFFF))
	require.False(t, r.Contains(0xFFFEFFFF))
	require.Equal(t, "TOP (r) 0xFFFF0000-0xFFFFFFFF", r.String())
}

func TestDefaultMap(t *testing.T) {
	m := Default()
	require.NoError(t, m.Validate())

	r, ok := m.Find(0x20000100)
	require.True(t, ok)
	require.Equal(t, "RAM", r.Name)

	_, ok = m.Find(0x40000000)
	require.False(t, ok)

	require.Len(t, m.RAM(), 1)
	require.Len(t, m.ROM(), 1)
}

func TestValidateDuplicateNames(t *testing.T) {
	m := Map{Regions: []Region{
		{Name: "RAM", Origin: 0x20000000, Length: 0x1000, Attrs: AttrWrite},
		{Name: "ram", Origin: 0x30000000, Length: 0x1000, Attrs: AttrWrite},
	}}
	require.Error(t, m.Validate())
	require.Error(t, Map{}.Validate())
}
