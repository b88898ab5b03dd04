package kmod

import (
	"testing"

	"github.com/PaulZ-98/kdiscover/internal/collab/collabtest"
	"github.com/PaulZ-98/kdiscover/internal/kerr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveIteratorParsesProcModules(t *testing.T) {
	fs := afero.NewMemMapFs()
	contents := "nf_tables 212992 34 nf_log_syslog,nft_chain_nat Live 0xffffffffc0a10000\n" +
		"nf_log_syslog 20480 1 nf_tables Live 0xffffffffc0a00000\n"
	require.NoError(t, afero.WriteFile(fs, procModulesPath, []byte(contents), 0644))

	it, err := NewLive(fs)
	require.NoError(t, err)
	defer it.Close()

	m, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "nf_tables", m.Name)
	assert.Equal(t, uint64(0xffffffffc0a10000), m.Start)
	assert.Equal(t, uint64(0xffffffffc0a10000+212992), m.End)

	m, err = it.Next()
	require.NoError(t, err)
	assert.Equal(t, "nf_log_syslog", m.Name)

	_, err = it.Next()
	require.Error(t, err)
	assert.True(t, kerr.IsStop(err))
}

func TestLiveIteratorMalformedLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, procModulesPath, []byte("short line\n"), 0644))
	it, err := NewLive(fs)
	require.NoError(t, err)
	_, err = it.Next()
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.Other))
}

func buildCrashList(t *testing.T, useCoreLayout bool) *collabtest.Resolver {
	t.Helper()
	head := collabtest.NewStruct(0x1000, "list_head")

	makeModule := func(addr uint64, name string, base, size uint64) (*collabtest.Value, *collabtest.Value) {
		mod := collabtest.NewStruct(addr, "module")
		if useCoreLayout {
			layout := collabtest.NewStruct(0, "module_layout")
			layout.SetField("base", collabtest.NewUint(base))
			layout.SetField("size", collabtest.NewUint(size))
			mod.SetField("core_layout", layout)
		} else {
			mod.SetField("module_core", collabtest.NewUint(base))
			mod.SetField("core_size", collabtest.NewUint(size))
		}
		mod.SetField("name", collabtest.NewCString(name))
		list := collabtest.NewStruct(addr+0x100, "list")
		mod.SetField("list", list)
		return mod, list
	}

	_, m1list := makeModule(0x2000, "nf_tables", 0xffffffffc0a10000, 0x34000)
	_, m2list := makeModule(0x3000, "nf_log_syslog", 0xffffffffc0a00000, 0x5000)

	head.SetField("next", collabtest.NewPointer(m1list.Addr(), m1list))
	m1list.SetField("next", collabtest.NewPointer(m2list.Addr(), m2list))
	m2list.SetField("next", collabtest.NewPointer(head.Addr(), head))

	r := collabtest.NewResolver()
	r.Globals[modulesListSymbol] = head
	return r
}

func TestCrashIteratorWithCoreLayout(t *testing.T) {
	r := buildCrashList(t, true)
	it, err := NewCrash(r)
	require.NoError(t, err)

	m1, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "nf_tables", m1.Name)
	assert.Equal(t, uint64(0xffffffffc0a10000), m1.Start)
	assert.Equal(t, uint64(0xffffffffc0a10000+0x34000), m1.End)

	m2, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "nf_log_syslog", m2.Name)

	_, err = it.Next()
	require.Error(t, err)
	assert.True(t, kerr.IsStop(err))
}

func TestCrashIteratorFallsBackToModuleCore(t *testing.T) {
	r := buildCrashList(t, false)
	it, err := NewCrash(r)
	require.NoError(t, err)

	m1, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "nf_tables", m1.Name)
	assert.Equal(t, uint64(0xffffffffc0a10000), m1.Start)
}

func TestLiveAndCrashProduceSameTriples(t *testing.T) {
	fs := afero.NewMemMapFs()
	contents := "nf_tables 212992 34 - Live 0xffffffffc0a10000\n" +
		"nf_log_syslog 20480 1 - Live 0xffffffffc0a00000\n"
	require.NoError(t, afero.WriteFile(fs, procModulesPath, []byte(contents), 0644))
	live, err := NewLive(fs)
	require.NoError(t, err)
	defer live.Close()

	r := buildCrashList(t, true)
	crash, err := NewCrash(r)
	require.NoError(t, err)

	type triple struct {
		name       string
		start, end uint64
	}
	collect := func(it Iterator) []triple {
		var out []triple
		for {
			m, err := it.Next()
			if kerr.IsStop(err) {
				break
			}
			require.NoError(t, err)
			out = append(out, triple{m.Name, m.Start, m.End})
		}
		return out
	}

	assert.ElementsMatch(t, collect(live), collect(crash))
}
