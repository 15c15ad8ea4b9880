package objsym

import (
	"fmt"
	"io"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"
)

const (
	machineAMD64 = 0x8664
	machineARM64 = 0xaa64
)

type peFile struct {
	pe     *pe.File
	closer io.Closer
}

func openPE(r io.ReaderAt, c io.Closer) (File, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{pe: f, closer: c}, nil
}

func (f *peFile) Format() string {
	return "pe"
}

func (f *peFile) Arch() string {
	switch f.pe.FileHeader.Machine {
	case machineAMD64:
		return "amd64"
	case machineARM64:
		return "arm64"
	}
	return fmt.Sprintf("pe-machine-%#x", f.pe.FileHeader.Machine)
}

func (f *peFile) imageBase() uint64 {
	switch oh := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		return oh.ImageBase
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase)
	}
	return 0
}

// Symbols lists exports and COFF symbols at their preferred image address.
func (f *peFile) Symbols() ([]Symbol, error) {
	base := f.imageBase()
	seen := map[string]bool{}
	var out []Symbol
	exports, err := f.pe.Exports()
	if err == nil {
		for _, e := range exports {
			if e.Name == "" || seen[e.Name] {
				continue
			}
			seen[e.Name] = true
			out = append(out, Symbol{Name: e.Name, Addr: base + uint64(e.VirtualAddress)})
		}
	}
	for _, s := range f.pe.Symbols {
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.pe.Sections) || seen[s.Name] {
			continue
		}
		sect := f.pe.Sections[s.SectionNumber-1]
		seen[s.Name] = true
		out = append(out, Symbol{Name: s.Name, Addr: base + uint64(sect.VirtualAddress) + uint64(s.Value)})
	}
	return sorted(out), nil
}

func (f *peFile) ReadAt(addr uint64, n int) ([]byte, error) {
	rva := addr - f.imageBase()
	for _, s := range f.pe.Sections {
		start, end := uint64(s.VirtualAddress), uint64(s.VirtualAddress)+uint64(s.Size)
		if rva < start || rva >= end {
			continue
		}
		if left := end - rva; uint64(n) > left {
			n = int(left)
		}
		buf := make([]byte, n)
		if _, err := s.ReadAt(buf, int64(rva-start)); err != nil && err != io.EOF {
			return nil, err
		}
		return buf, nil
	}
	return nil, errors.Wrapf(ErrNotLoaded, "%#x", addr)
}

func (f *peFile) Close() error {
	f.pe.Close()
	return f.closer.Close()
}
