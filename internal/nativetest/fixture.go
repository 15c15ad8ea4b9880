// Package nativetest supports tests that need real machine code: object
// files built from Go source, and hand-assembled code loaded into
// executable pages.
package nativetest

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// Program is a small main package. Target has a frame and a stack check,
// so its first instructions can be planned for both stub sizes.
const Program = `package main

import (
	"fmt"
	"os"
)

//go:noinline
func target(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += fmt.Sprint(i)
	}
	return s
}

func main() {
	fmt.Println(target(len(os.Args)))
}
`

// Target is the symbol of Program's target function.
const Target = "main.target"

// Build compiles src for goos/goarch with symbols kept and returns the
// binary path. The test is skipped when no go command is installed.
func Build(t testing.TB, src, goos, goarch string) string {
	t.Helper()
	gocmd, err := exec.LookPath("go")
	if err != nil {
		gocmd = filepath.Join(runtime.GOROOT(), "bin", "go")
		if _, err := os.Stat(gocmd); err != nil {
			t.Skip("go command not available")
		}
	}
	dir := t.TempDir()
	files := map[string]string{
		"go.mod":  "module fixture\n\ngo 1.21\n",
		"main.go": src,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	out := filepath.Join(dir, "fixture")
	cmd := exec.Command(gocmd, "build", "-o", out, ".")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=0",
		"GOFLAGS=",
		"GOOS="+goos,
		"GOARCH="+goarch,
		"GOTOOLCHAIN=local",
	)
	if b, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build %s/%s: %v\n%s", goos, goarch, err, b)
	}
	return out
}

// BuildHost compiles src for the running platform.
func BuildHost(t testing.TB, src string) string {
	return Build(t, src, runtime.GOOS, runtime.GOARCH)
}
