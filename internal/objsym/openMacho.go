package objsym

import (
	"io"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

type machoFile struct {
	macho  *macho.File
	closer io.Closer
}

func openMacho(r io.ReaderAt, c io.Closer) (File, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{macho: f, closer: c}, nil
}

func (f *machoFile) Format() string {
	return "macho"
}

func (f *machoFile) Arch() string {
	switch f.macho.CPU {
	case types.CPUAmd64:
		return "amd64"
	case types.CPUArm64:
		return "arm64"
	}
	return f.macho.CPU.String()
}

func (f *machoFile) Symbols() ([]Symbol, error) {
	if f.macho.Symtab == nil {
		return nil, nil
	}
	var out []Symbol
	for _, s := range f.macho.Symtab.Syms {
		if s.Value == 0 || s.Type&types.N_TYPE != types.N_SECT {
			continue
		}
		out = append(out, Symbol{Name: s.Name, Addr: s.Value})
	}
	return sorted(out), nil
}

func (f *machoFile) ReadAt(addr uint64, n int) ([]byte, error) {
	for _, s := range f.macho.Sections {
		if addr < s.Addr || addr >= s.Addr+s.Size {
			continue
		}
		if left := s.Addr + s.Size - addr; uint64(n) > left {
			n = int(left)
		}
		off, err := f.macho.GetOffset(addr)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if _, err := f.macho.ReadAt(buf, int64(off)); err != nil && err != io.EOF {
			return nil, err
		}
		return buf, nil
	}
	return nil, errors.Wrapf(ErrNotLoaded, "%#x", addr)
}

func (f *machoFile) Close() error {
	f.macho.Close()
	return f.closer.Close()
}
