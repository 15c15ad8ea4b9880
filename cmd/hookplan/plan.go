package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/k2io/nativehook/internal/arch"
	"github.com/k2io/nativehook/internal/arch/arm64"
	"github.com/k2io/nativehook/internal/arch/x64"
	"github.com/k2io/nativehook/internal/objsym"
)

var (
	planFar bool
	planTo  string
)

func init() {
	cmd := newPlanCmd()
	cmd.Flags().BoolVar(&planFar, "far", false, "Plan an absolute entry stub instead of a near one")
	cmd.Flags().StringVar(&planTo, "to", "", "Trampoline address (default: symbol address + 0x1000)")
	rootCmd.AddCommand(cmd)
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <file> <symbol|address>",
		Short: "Show the patch window and trampoline of a hook",
		Long: `The plan command decodes the instructions a hook entry stub would
overwrite at a symbol or address and prints the trampoline body that runs
them from their new location.

Example:
  hookplan plan ./server main.handle
  hookplan plan libc.so.6 malloc --far --to 0x7f0000000000`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := makePlan(args[0], args[1], !planFar, planTo)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(p)
			}
			p.print(cmd)
			return nil
		},
	}
}

// Plan is the outcome of analyzing one hook target.
type Plan struct {
	File       string     `json:"file"`
	Arch       string     `json:"arch"`
	Target     uint64     `json:"target"`
	Near       bool       `json:"near"`
	Window     []planInsn `json:"window"`
	Trampoline uint64     `json:"trampoline"`
	Body       string     `json:"body"`
	Entry      string     `json:"entry"`
}

type planInsn struct {
	Addr uint64 `json:"addr"`
	Raw  string `json:"raw"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}

func backendFor(goarch string) (arch.Backend, error) {
	switch goarch {
	case "amd64":
		return x64.New(), nil
	case "arm64":
		return arm64.New(), nil
	}
	return nil, errors.Errorf("unsupported architecture %q", goarch)
}

func makePlan(name, where string, near bool, to string) (*Plan, error) {
	f, err := objsym.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	defer f.Close()
	be, err := backendFor(f.Arch())
	if err != nil {
		return nil, err
	}

	addr, limit, err := resolve(f, where)
	if err != nil {
		return nil, err
	}
	code, err := f.ReadAt(addr, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "read %#x", addr)
	}

	minLen := be.FarJumpSize()
	if near {
		minLen = be.NearJumpSize()
	}
	w, err := arch.Analyze(be, code, uintptr(addr), minLen)
	if err != nil {
		return nil, errors.Wrap(err, "analyze")
	}

	tramp := uintptr(addr) + 0x1000
	if to != "" {
		v, err := strconv.ParseUint(to, 0, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "--to %q", to)
		}
		tramp = uintptr(v)
	}
	body, err := arch.Relocate(be, w, tramp)
	if err != nil {
		return nil, errors.Wrap(err, "relocate")
	}
	body = append(body, be.JumpFar(tramp+uintptr(len(body)), w.End())...)

	var entry []byte
	if near {
		entry, err = be.JumpNear(uintptr(addr), tramp)
		if err != nil {
			return nil, errors.Wrap(err, "entry")
		}
	} else {
		entry = be.JumpFar(uintptr(addr), tramp)
	}
	entry = append(entry, be.Pad(w.Len-len(entry))...)

	p := &Plan{
		File:       name,
		Arch:       f.Arch(),
		Target:     addr,
		Near:       near,
		Trampoline: uint64(tramp),
		Body:       hex.EncodeToString(body),
		Entry:      hex.EncodeToString(entry),
	}
	for _, in := range w.Insns {
		p.Window = append(p.Window, planInsn{
			Addr: uint64(in.Addr),
			Raw:  hex.EncodeToString(in.Raw),
			Kind: in.Kind.String(),
			Text: in.Text,
		})
	}
	log.WithFields(log.Fields{"target": fmt.Sprintf("%#x", addr), "window": w.Len}).Debug("planned")
	return p, nil
}

// resolve turns a symbol name or numeric address into an address and the
// number of bytes worth reading there.
func resolve(f objsym.File, where string) (uint64, int, error) {
	if v, err := strconv.ParseUint(where, 0, 64); err == nil {
		return v, arch.MaxScan, nil
	}
	s, err := objsym.Find(f, where)
	if err != nil {
		return 0, 0, err
	}
	limit := arch.MaxScan
	if s.Size > 0 && s.Size < uint64(limit) {
		limit = int(s.Size)
	}
	return s.Addr, limit, nil
}

func (p *Plan) print(cmd *cobra.Command) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %s target %#x near=%v\n", p.File, p.Arch, p.Target, p.Near)
	fmt.Fprintln(w, "window:")
	for _, in := range p.Window {
		fmt.Fprintf(w, "  %#x  %-24s %-12s %s\n", in.Addr, in.Raw, in.Kind, in.Text)
	}
	fmt.Fprintf(w, "trampoline %#x:\n  %s\n", p.Trampoline, p.Body)
	fmt.Fprintf(w, "entry:\n  %s\n", p.Entry)
}
