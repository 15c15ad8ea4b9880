package dynlink

import (
	"debug/elf"
	"os"
	"reflect"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/k2io/nativehook/internal/nativetest"
	"github.com/k2io/nativehook/internal/procmaps"
)

const maps = `
400000-401000 r--p 00000000 08:01 11 /opt/app/bin/server
401000-480000 r-xp 00001000 08:01 11 /opt/app/bin/server
7f0000000000-7f0000028000 r--p 00000000 08:01 22 /opt/app/lib/libc.so.6
7f0000028000-7f00001bd000 r-xp 00028000 08:01 22 /opt/app/lib/libc.so.6
7f0000300000-7f0000301000 r--p 00000000 08:01 33 /opt/app/lib/libcrypto.so.3
7f0000400000-7f0000401000 r--p 00000000 08:01 44 /opt/app/lib/libc.so.6-helper
7ffd00000000-7ffd00002000 r-xp 00000000 00:00 0 [vdso]
`

func table(t *testing.T) procmaps.Table {
	t.Helper()
	tbl, err := procmaps.Parse([]byte(maps))
	require.NoError(t, err)
	return tbl
}

func TestFromTable_GroupsAndOrders(t *testing.T) {
	images := FromTable(table(t), "/opt/app/lib/libcrypto.so.3")
	require.Len(t, images, 4)

	require.Equal(t, "/opt/app/lib/libcrypto.so.3", images[0].Path)
	require.True(t, images[0].Main)
	require.Equal(t, "/opt/app/bin/server", images[1].Path)

	libc := images[2]
	require.Equal(t, "libc.so.6", libc.Name())
	require.Equal(t, uintptr(0x7f0000000000), libc.Start)
	require.Equal(t, uintptr(0x7f00001bd000), libc.End)
	// files that cannot be opened keep the mapping address as base
	require.Equal(t, uintptr(0x7f0000000000), libc.Base)
	require.True(t, libc.Contains(0x7f0000100000))
	require.False(t, libc.Contains(0x7f00001bd000))
}

func TestMatch(t *testing.T) {
	images := FromTable(table(t), "/opt/app/bin/server")

	got := Match(images, "libc.so.6")
	require.Len(t, got, 2)
	require.Equal(t, "/opt/app/lib/libc.so.6", got[0].Path)
	require.Equal(t, "/opt/app/lib/libc.so.6-helper", got[1].Path)

	require.Len(t, Match(images, "libcrypto"), 1)
	require.Empty(t, Match(images, "libm"))
	require.Len(t, Match(images, ""), 4)
	require.Len(t, Match(images, "self"), 4)
}

func TestImages_Self(t *testing.T) {
	images, err := Images()
	require.NoError(t, err)
	require.NotEmpty(t, images)
	require.True(t, images[0].Main)

	fn := reflect.ValueOf(Images).Pointer()
	require.True(t, images[0].Contains(fn))
}

// selfSymbols skips when the test binary was linked without a symbol table.
func selfSymbols(t *testing.T) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	f, err := elf.Open(exe)
	require.NoError(t, err)
	defer f.Close()
	if _, err := f.Symbols(); errors.Is(err, elf.ErrNoSymbols) {
		t.Skip("test binary has no .symtab")
	}
}

func TestLookup_Self(t *testing.T) {
	selfSymbols(t)
	images, err := Images()
	require.NoError(t, err)

	addr, err := Lookup(images[0], "github.com/k2io/nativehook/internal/dynlink.Match")
	require.NoError(t, err)
	require.Equal(t, reflect.ValueOf(Match).Pointer(), addr)
}

func TestLookup_AppliesBase(t *testing.T) {
	bin := nativetest.BuildHost(t, nativetest.Program)
	f, err := elf.Open(bin)
	require.NoError(t, err)
	defer f.Close()
	syms, err := f.Symbols()
	require.NoError(t, err)
	var value uint64
	for _, s := range syms {
		if s.Name == nativetest.Target {
			value = s.Value
		}
	}
	require.NotZero(t, value)

	img := Image{Path: bin, Base: 0x10000}
	addr, err := Lookup(img, nativetest.Target)
	require.NoError(t, err)
	require.Equal(t, uintptr(value)+0x10000, addr)

	addr, err = Lookup(img, "no.such.symbol")
	require.NoError(t, err)
	require.Zero(t, addr)

	_, err = Lookup(Image{Path: "/nonexistent/image"}, "x")
	require.Error(t, err)
}

func TestImportSlots_StaticBinaryHasNone(t *testing.T) {
	bin := nativetest.BuildHost(t, nativetest.Program)
	slots, err := ImportSlots(Image{Path: bin}, "getpid")
	require.NoError(t, err)
	require.Empty(t, slots)
}

func TestIsImport(t *testing.T) {
	require.True(t, isImport(elf.EM_X86_64, uint32(elf.R_X86_64_JMP_SLOT)))
	require.True(t, isImport(elf.EM_X86_64, uint32(elf.R_X86_64_GLOB_DAT)))
	require.False(t, isImport(elf.EM_X86_64, uint32(elf.R_X86_64_RELATIVE)))
	require.True(t, isImport(elf.EM_AARCH64, uint32(elf.R_AARCH64_JUMP_SLOT)))
	require.False(t, isImport(elf.EM_AARCH64, uint32(elf.R_X86_64_JMP_SLOT)))
}
