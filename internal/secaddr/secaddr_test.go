package secaddr

import (
	"testing"

	"github.com/PaulZ-98/kdiscover/internal/collab/collabtest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLiveParsesSectionFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/sys/module/nf_tables/sections/.text", []byte("0xffffffffc0a10000\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/sys/module/nf_tables/sections/.data", []byte("0xffffffffc0a20000\n"), 0644))

	got, err := ReadLive(fs, "nf_tables")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Section{
		{Name: ".text", Address: 0xffffffffc0a10000},
		{Name: ".data", Address: 0xffffffffc0a20000},
	}, got)
}

func TestReadLiveSkipsSubdirectories(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/sys/module/nf_tables/sections/.text", []byte("0x1000\n"), 0644))
	require.NoError(t, fs.MkdirAll("/sys/module/nf_tables/sections/subdir", 0755))

	got, err := ReadLive(fs, "nf_tables")
	require.NoError(t, err)
	assert.Equal(t, []Section{{Name: ".text", Address: 0x1000}}, got)
}

func TestReadLiveMissingDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := ReadLive(fs, "absent")
	require.Error(t, err)
}

func TestReadLiveBadAddress(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/sys/module/nf_tables/sections/.text", []byte("not-hex\n"), 0644))
	_, err := ReadLive(fs, "nf_tables")
	require.Error(t, err)
}

func buildSectAttrs(attrs ...*collabtest.Value) *collabtest.Value {
	sectAttrs := collabtest.NewStruct(0, "module_sect_attrs")
	sectAttrs.SetField("nsections", collabtest.NewUint(uint64(len(attrs))))
	sectAttrs.SetField("attrs", collabtest.NewSlice(attrs...))
	return sectAttrs
}

func TestReadCrashUsesBattrName(t *testing.T) {
	battrAttr := collabtest.NewStruct(0, "attribute")
	battrAttr.SetField("name", collabtest.NewCString(".text"))
	battr := collabtest.NewStruct(0, "bin_attribute")
	battr.SetField("attr", battrAttr)

	attr := collabtest.NewStruct(0, "module_sect_attr")
	attr.SetField("address", collabtest.NewUint(0xffffffffc0a10000))
	attr.SetField("battr", battr)

	sectAttrs := buildSectAttrs(attr)
	mod := collabtest.NewStruct(0x2000, "module")
	mod.SetField("sect_attrs", collabtest.NewPointer(0, sectAttrs))

	got, err := ReadCrash(mod)
	require.NoError(t, err)
	assert.Equal(t, []Section{{Name: ".text", Address: 0xffffffffc0a10000}}, got)
}

func TestReadCrashFallsBackToPlainName(t *testing.T) {
	attr := collabtest.NewStruct(0, "module_sect_attr")
	attr.SetField("address", collabtest.NewUint(0xffffffffc0a20000))
	attr.SetField("name", collabtest.NewCString(".data"))

	sectAttrs := buildSectAttrs(attr)
	mod := collabtest.NewStruct(0x2000, "module")
	mod.SetField("sect_attrs", collabtest.NewPointer(0, sectAttrs))

	got, err := ReadCrash(mod)
	require.NoError(t, err)
	assert.Equal(t, []Section{{Name: ".data", Address: 0xffffffffc0a20000}}, got)
}

func TestReadCrashMultipleSections(t *testing.T) {
	mk := func(name string, addr uint64) *collabtest.Value {
		a := collabtest.NewStruct(0, "module_sect_attr")
		a.SetField("address", collabtest.NewUint(addr))
		a.SetField("name", collabtest.NewCString(name))
		return a
	}
	sectAttrs := buildSectAttrs(mk(".text", 0x1000), mk(".data", 0x2000), mk(".bss", 0x3000))
	mod := collabtest.NewStruct(0x2000, "module")
	mod.SetField("sect_attrs", collabtest.NewPointer(0, sectAttrs))

	got, err := ReadCrash(mod)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
