package objsym

import (
	"debug/elf"
	"io"

	"github.com/pkg/errors"
)

type elfFile struct {
	elf    *elf.File
	closer io.Closer
}

func openElf(r io.ReaderAt, c io.Closer) (File, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{elf: f, closer: c}, nil
}

func (e *elfFile) Format() string {
	return "elf"
}

func (e *elfFile) Arch() string {
	switch e.elf.Machine {
	case elf.EM_X86_64:
		return "amd64"
	case elf.EM_AARCH64:
		return "arm64"
	}
	return e.elf.Machine.String()
}

func (e *elfFile) Symbols() ([]Symbol, error) {
	seen := map[string]bool{}
	var out []Symbol
	for _, table := range []func() ([]elf.Symbol, error){e.elf.Symbols, e.elf.DynamicSymbols} {
		syms, err := table()
		if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
			return nil, err
		}
		for _, s := range syms {
			if s.Section == elf.SHN_UNDEF || s.Value == 0 || s.Name == "" || seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			out = append(out, Symbol{Name: s.Name, Addr: s.Value, Size: s.Size})
		}
	}
	return sorted(out), nil
}

func (e *elfFile) ReadAt(addr uint64, n int) ([]byte, error) {
	for _, p := range e.elf.Progs {
		if p.Type != elf.PT_LOAD || addr < p.Vaddr || addr >= p.Vaddr+p.Filesz {
			continue
		}
		if left := p.Vaddr + p.Filesz - addr; uint64(n) > left {
			n = int(left)
		}
		buf := make([]byte, n)
		if _, err := p.ReadAt(buf, int64(addr-p.Vaddr)); err != nil && err != io.EOF {
			return nil, err
		}
		return buf, nil
	}
	return nil, errors.Wrapf(ErrNotLoaded, "%#x", addr)
}

func (e *elfFile) Close() error {
	e.elf.Close()
	return e.closer.Close()
}
