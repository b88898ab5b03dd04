package vmcoreinfo

import (
	"testing"

	"github.com/PaulZ-98/kdiscover/internal/kerr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWellFormed(t *testing.T) {
	desc := []byte("OSRELEASE=5.10.0\nPAGESIZE=4096\nSYMBOL(swapper_pg_dir)=ffffffff81c0a000\nKERNELOFFSET=0\n")
	info, err := Parse(desc)
	require.NoError(t, err)
	assert.Equal(t, "5.10.0", info.OSRelease)
	assert.Equal(t, uint64(4096), info.PageSize)
	assert.Equal(t, uint64(0xffffffff81c0a000), info.SwapperPgDir)
	assert.Equal(t, uint64(0), info.KASLROffset)
	assert.False(t, info.PgtableL5Enabled)
}

func TestParsePageSizeHexAutoDetect(t *testing.T) {
	desc := []byte("OSRELEASE=5.10.0\nPAGESIZE=0x1000\nSYMBOL(swapper_pg_dir)=ff\n")
	info, err := Parse(desc)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), info.PageSize)
}

func TestParseMissingRequiredFields(t *testing.T) {
	cases := []string{
		"PAGESIZE=4096\nSYMBOL(swapper_pg_dir)=ff\n",
		"OSRELEASE=5.10.0\nSYMBOL(swapper_pg_dir)=ff\n",
		"OSRELEASE=5.10.0\nPAGESIZE=4096\n",
	}
	for _, c := range cases {
		_, err := Parse([]byte(c))
		require.Error(t, err)
		assert.True(t, kerr.Is(err, kerr.Other), "case %q", c)
	}
}

func TestParsePageSizeNotPowerOfTwo(t *testing.T) {
	desc := []byte("OSRELEASE=5.10.0\nPAGESIZE=3000\nSYMBOL(swapper_pg_dir)=ff\n")
	_, err := Parse(desc)
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.Other))
}

func TestParseOverflow(t *testing.T) {
	desc := []byte("OSRELEASE=5.10.0\nPAGESIZE=ffffffffffffffffff\nSYMBOL(swapper_pg_dir)=ff\n")
	_, err := Parse(desc)
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.Overflow))
}

func TestParseUnknownPrefixSkipped(t *testing.T) {
	desc := []byte("OSRELEASE=5.10.0\nPAGESIZE=4096\nSYMBOL(swapper_pg_dir)=ff\nUNKNOWN_FIELD=xyz\n")
	info, err := Parse(desc)
	require.NoError(t, err)
	assert.Equal(t, "5.10.0", info.OSRelease)
}

type fakePhysMem struct {
	data map[uint64][]byte
}

func (f *fakePhysMem) ReadPhysical(addr uint64, count int) ([]byte, error) {
	d, ok := f.data[addr]
	if !ok || len(d) < count {
		return nil, kerr.New(kerr.OS, "no such physical range")
	}
	return d[:count], nil
}

func TestReadLiveFallback(t *testing.T) {
	fs := afero.NewMemMapFs()
	desc := []byte("OSRELEASE=5.10.0\nPAGESIZE=4096\nSYMBOL(swapper_pg_dir)=ff\n")
	note := make([]byte, 24)
	note = append(note, desc...)
	mem := &fakePhysMem{data: map[uint64][]byte{0x1000: note}}
	require.NoError(t, afero.WriteFile(fs, sysfsVMCoreInfoPath, []byte("1000 "+itoaHex(len(note))+"\n"), 0644))

	info, err := ReadLive(fs, mem)
	require.NoError(t, err)
	assert.Equal(t, "5.10.0", info.OSRelease)
}

func itoaHex(n int) string {
	const hexdigits = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{hexdigits[n%16]}, buf...)
		n /= 16
	}
	return string(buf)
}
