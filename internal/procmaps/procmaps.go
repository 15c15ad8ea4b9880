// Package procmaps reads the process memory layout from /proc/self/maps.
package procmaps

import (
	"bufio"
	"bytes"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrNotMapped means an address is not covered by any mapping.
var ErrNotMapped = errors.New("address not mapped")

// Mapping is one line of /proc/self/maps.
type Mapping struct {
	Start, End uintptr
	Read       bool
	Write      bool
	Exec       bool
	Private    bool
	Offset     uint64
	Inode      uint64
	Path       string
}

// Prot converts the permission flags to PROT_* bits.
func (m Mapping) Prot() int {
	prot := unix.PROT_NONE
	if m.Read {
		prot |= unix.PROT_READ
	}
	if m.Write {
		prot |= unix.PROT_WRITE
	}
	if m.Exec {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// Contains reports whether addr lies inside the mapping.
func (m Mapping) Contains(addr uintptr) bool {
	return addr >= m.Start && addr < m.End
}

// Table is a snapshot of the mappings, sorted by start address.
type Table []Mapping

// Read takes a snapshot of the current process mappings.
func Read() (Table, error) {
	return readFile("/proc/self/maps")
}

// ReadPid takes a snapshot of the mappings of process pid.
func ReadPid(pid int) (Table, error) {
	return readFile("/proc/" + strconv.Itoa(pid) + "/maps")
}

func readFile(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return Parse(raw)
}

// Parse parses the text format of /proc/<pid>/maps.
func Parse(raw []byte) (Table, error) {
	var t Table
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		t = append(t, m)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan maps")
	}
	sort.Slice(t, func(i, j int) bool { return t[i].Start < t[j].Start })
	return t, nil
}

func parseLine(line string) (Mapping, error) {
	var m Mapping
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return m, errors.Errorf("malformed maps line %q", line)
	}
	start, end, ok := strings.Cut(fields[0], "-")
	if !ok {
		return m, errors.Errorf("malformed range %q", fields[0])
	}
	s, err := strconv.ParseUint(start, 16, 64)
	if err != nil {
		return m, errors.Wrapf(err, "range start %q", start)
	}
	e, err := strconv.ParseUint(end, 16, 64)
	if err != nil {
		return m, errors.Wrapf(err, "range end %q", end)
	}
	m.Start, m.End = uintptr(s), uintptr(e)
	perms := fields[1]
	if len(perms) < 4 {
		return m, errors.Errorf("malformed permissions %q", perms)
	}
	m.Read = perms[0] == 'r'
	m.Write = perms[1] == 'w'
	m.Exec = perms[2] == 'x'
	m.Private = perms[3] == 'p'
	if m.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return m, errors.Wrapf(err, "offset %q", fields[2])
	}
	if m.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return m, errors.Wrapf(err, "inode %q", fields[4])
	}
	if len(fields) >= 6 {
		m.Path = strings.TrimSuffix(strings.Join(fields[5:], " "), " (deleted)")
	}
	return m, nil
}

// Find returns the mapping containing addr.
func (t Table) Find(addr uintptr) (Mapping, error) {
	i := sort.Search(len(t), func(i int) bool { return t[i].End > addr })
	if i < len(t) && t[i].Contains(addr) {
		return t[i], nil
	}
	return Mapping{}, errors.Wrapf(ErrNotMapped, "%#x", addr)
}

// Readable returns how many bytes are readable from addr without leaving
// the mappings, following adjacent readable mappings.
func (t Table) Readable(addr uintptr) uintptr {
	m, err := t.Find(addr)
	if err != nil || !m.Read {
		return 0
	}
	end := m.End
	for _, next := range t {
		if next.Start == end && next.Read {
			end = next.End
		}
	}
	return end - addr
}

// Gap is an unmapped hole in the address space.
type Gap struct {
	Start, End uintptr
}

// Gaps returns the holes between mappings within [lo, hi).
func (t Table) Gaps(lo, hi uintptr) []Gap {
	var gaps []Gap
	cur := lo
	for _, m := range t {
		if m.End <= cur {
			continue
		}
		if m.Start >= hi {
			break
		}
		if m.Start > cur {
			gaps = append(gaps, Gap{Start: cur, End: m.Start})
		}
		cur = m.End
	}
	if cur < hi {
		gaps = append(gaps, Gap{Start: cur, End: hi})
	}
	return gaps
}
