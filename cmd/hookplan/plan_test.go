package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/k2io/nativehook/internal/arch"
	"github.com/k2io/nativehook/internal/nativetest"
)

const planSymbol = nativetest.Target

func fixture(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("plans against an ELF fixture")
	}
	return nativetest.BuildHost(t, nativetest.Program)
}

func TestMakePlan_Near(t *testing.T) {
	exe := fixture(t)
	be, err := backendFor(runtime.GOARCH)
	require.NoError(t, err)

	p, err := makePlan(exe, planSymbol, true, "")
	require.NoError(t, err)
	require.Equal(t, runtime.GOARCH, p.Arch)
	require.Equal(t, p.Target+0x1000, p.Trampoline)
	require.NotEmpty(t, p.Window)

	n := 0
	for _, in := range p.Window {
		raw, err := hex.DecodeString(in.Raw)
		require.NoError(t, err)
		n += len(raw)
	}
	require.GreaterOrEqual(t, n, be.NearJumpSize())

	entry, err := hex.DecodeString(p.Entry)
	require.NoError(t, err)
	require.Len(t, entry, n)
}

func TestMakePlan_FarAtAddress(t *testing.T) {
	exe := fixture(t)
	be, err := backendFor(runtime.GOARCH)
	require.NoError(t, err)

	near, err := makePlan(exe, planSymbol, true, "")
	require.NoError(t, err)

	addr := fmt.Sprintf("%#x", near.Target)
	p, err := makePlan(exe, addr, false, "0x7f0000000000")
	require.NoError(t, err)
	require.False(t, p.Near)
	require.Equal(t, uint64(0x7f0000000000), p.Trampoline)

	entry, err := hex.DecodeString(p.Entry)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entry), be.FarJumpSize())
}

func TestMakePlan_Errors(t *testing.T) {
	exe := fixture(t)

	_, err := makePlan(exe, "no.such.symbol", true, "")
	require.Error(t, err)

	_, err = makePlan(exe, planSymbol, true, "not-a-number")
	require.Error(t, err)

	_, err = backendFor("mips")
	require.Error(t, err)
}

func run(t *testing.T, fn func(cmd *cobra.Command) error) string {
	t.Helper()
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	require.NoError(t, fn(cmd))
	return buf.String()
}

func TestSymbolsCommand(t *testing.T) {
	exe := fixture(t)
	symbolsFilter = planSymbol
	defer func() { symbolsFilter = "" }()

	out := run(t, func(cmd *cobra.Command) error { return runSymbols(cmd, exe) })
	require.Contains(t, out, planSymbol)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		require.Contains(t, line, planSymbol)
	}
}

func TestImagesCommand(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("reads /proc")
	}
	out := run(t, func(cmd *cobra.Command) error { return runImages(cmd, 0) })
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	require.True(t, strings.HasPrefix(lines[0], "*"))
}

func TestResolve_Address(t *testing.T) {
	addr, limit, err := resolve(nil, "0x401000")
	require.NoError(t, err)
	require.Equal(t, uint64(0x401000), addr)
	require.Equal(t, arch.MaxScan, limit)
}
