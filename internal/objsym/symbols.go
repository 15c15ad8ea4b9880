// Package objsym reads symbols and code from object files on disk: ELF,
// Mach-O and PE.
package objsym

import (
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownFormat means no reader recognized the file.
	ErrUnknownFormat = errors.New("unrecognized object file")
	// ErrNoSymbol means the symbol is not defined in the file.
	ErrNoSymbol = errors.New("symbol not defined")
	// ErrNotLoaded means an address is outside every loadable segment.
	ErrNotLoaded = errors.New("address not in a loadable segment")
)

// Symbol is a defined symbol at its link-time address.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// File is an opened object file.
type File interface {
	Format() string
	// Arch is the GOARCH name of the machine, or the raw machine name.
	Arch() string
	Symbols() ([]Symbol, error)
	// ReadAt reads up to n bytes at the link-time address addr.
	ReadAt(addr uint64, n int) ([]byte, error)
	Close() error
}

var objType = []func(io.ReaderAt, io.Closer) (File, error){
	openElf,
	openMacho,
	openPE,
}

// Open opens name with the first reader that accepts it.
func Open(name string) (File, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	for _, try := range objType {
		if f, err := try(r, r); err == nil {
			return f, nil
		}
	}
	r.Close()
	return nil, errors.Wrapf(ErrUnknownFormat, "open %s", name)
}

// Find returns the named symbol.
func Find(f File, name string) (Symbol, error) {
	syms, err := f.Symbols()
	if err != nil {
		return Symbol{}, err
	}
	for _, s := range syms {
		if s.Name == name {
			return s, nil
		}
	}
	return Symbol{}, errors.Wrap(ErrNoSymbol, name)
}

func sorted(syms []Symbol) []Symbol {
	sort.Slice(syms, func(i, j int) bool {
		if syms[i].Addr != syms[j].Addr {
			return syms[i].Addr < syms[j].Addr
		}
		return syms[i].Name < syms[j].Name
	})
	return syms
}
