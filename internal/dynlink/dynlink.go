// Package dynlink finds the ELF images loaded in the process and reads their
// symbol and relocation tables from disk.
package dynlink

import (
	"debug/elf"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/k2io/nativehook/internal/procmaps"
)

// Image is a mapped ELF file.
type Image struct {
	Path string
	// Base is the load bias added to the file's virtual addresses.
	Base       uintptr
	Start, End uintptr
	Main       bool
}

// Name is the file name of the image.
func (i Image) Name() string {
	return filepath.Base(i.Path)
}

// Contains reports whether addr lies in the image's mapped range.
func (i Image) Contains(addr uintptr) bool {
	return addr >= i.Start && addr < i.End
}

// Images lists the ELF images of the current process, main executable
// first, then in mapping order.
func Images() ([]Image, error) {
	t, err := procmaps.Read()
	if err != nil {
		return nil, err
	}
	exe, _ := os.Executable()
	return FromTable(t, exe), nil
}

// FromTable groups file mappings into images. exe names the main executable.
func FromTable(t procmaps.Table, exe string) []Image {
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	var images []Image
	index := map[string]int{}
	for _, m := range t {
		if !strings.HasPrefix(m.Path, "/") || m.Inode == 0 {
			continue
		}
		if i, ok := index[m.Path]; ok {
			img := &images[i]
			img.Start = min(img.Start, m.Start)
			img.End = max(img.End, m.End)
			if m.Offset == 0 && img.Base == 0 {
				img.Base = m.Start
			}
			continue
		}
		img := Image{Path: m.Path, Start: m.Start, End: m.End, Main: m.Path == exe}
		if m.Offset == 0 {
			img.Base = m.Start
		}
		index[m.Path] = len(images)
		images = append(images, img)
	}
	var out []Image
	for _, img := range images {
		if img.Base == 0 {
			img.Base = img.Start
		}
		img.Base -= linkAddress(img.Path)
		if img.Main {
			out = append([]Image{img}, out...)
			continue
		}
		out = append(out, img)
	}
	return out
}

// linkAddress is the virtual address the first loadable segment was linked at.
func linkAddress(path string) uintptr {
	f, err := elf.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			return uintptr(p.Vaddr - p.Off)
		}
	}
	return 0
}

// Match returns the images whose path contains name, exact file name
// matches first. An empty name or "self" matches every image.
func Match(images []Image, name string) []Image {
	if name == "" || name == "self" {
		return images
	}
	var exact, partial []Image
	for _, img := range images {
		switch {
		case img.Name() == name:
			exact = append(exact, img)
		case strings.Contains(img.Path, name):
			partial = append(partial, img)
		}
	}
	return append(exact, partial...)
}

// Lookup returns the runtime address of a defined symbol, searching the
// dynamic symbol table before the static one.
func Lookup(img Image, symbol string) (uintptr, error) {
	f, err := elf.Open(img.Path)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", img.Path)
	}
	defer f.Close()
	for _, table := range []func() ([]elf.Symbol, error){f.DynamicSymbols, f.Symbols} {
		syms, err := table()
		if err != nil {
			continue
		}
		for _, s := range syms {
			if s.Name == symbol && s.Section != elf.SHN_UNDEF && s.Value != 0 {
				return img.Base + uintptr(s.Value), nil
			}
		}
	}
	return 0, nil
}

// ImportSlots returns the addresses of the GOT slots the dynamic linker
// fills with symbol's address.
func ImportSlots(img Image, symbol string) ([]uintptr, error) {
	f, err := elf.Open(img.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", img.Path)
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 {
		return nil, errors.Errorf("%s: unsupported class %v", img.Path, f.Class)
	}
	syms, err := f.DynamicSymbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "%s dynamic symbols", img.Path)
	}
	var slots []uintptr
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || (s.Type != elf.SHT_RELA && s.Type != elf.SHT_REL) {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, errors.Wrapf(err, "%s section %s", img.Path, s.Name)
		}
		entSize := 16
		if s.Type == elf.SHT_RELA {
			entSize = 24
		}
		for off := 0; off+entSize <= len(data); off += entSize {
			addr := f.ByteOrder.Uint64(data[off:])
			info := f.ByteOrder.Uint64(data[off+8:])
			if !isImport(f.Machine, elf.R_TYPE64(info)) {
				continue
			}
			idx := int(elf.R_SYM64(info))
			if idx == 0 || idx > len(syms) || syms[idx-1].Name != symbol {
				continue
			}
			slots = append(slots, img.Base+uintptr(addr))
		}
	}
	return slots, nil
}

func isImport(machine elf.Machine, typ uint32) bool {
	switch machine {
	case elf.EM_X86_64:
		return typ == uint32(elf.R_X86_64_JMP_SLOT) || typ == uint32(elf.R_X86_64_GLOB_DAT)
	case elf.EM_AARCH64:
		return typ == uint32(elf.R_AARCH64_JUMP_SLOT) || typ == uint32(elf.R_AARCH64_GLOB_DAT)
	}
	return false
}
