// Package codemem hands out executable memory close to a reference address.
//
// Regions are mapped read+execute and carved into blocks by a first-fit
// free list that coalesces on free. Blocks that may still be executed by
// another thread are retired instead of freed and never reused.
package codemem

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"

	"github.com/k2io/nativehook/internal/procmaps"
)

var (
	// ErrNoSpaceInRange means no block fits within the requested displacement.
	ErrNoSpaceInRange = errors.New("no code memory in range")
	// ErrUnknownBlock means a block was not handed out by this allocator.
	ErrUnknownBlock = errors.New("unknown code block")
)

const (
	blockAlign = 16
	// lowest address a region is ever placed at
	minAddr = uintptr(0x10000)
)

// AllocFunc is a host-supplied near allocation strategy. It returns a block
// of at least size executable bytes within rng of pos, or 0.
type AllocFunc func(size int, pos, rng uintptr) uintptr

// Block is a piece of executable memory.
type Block struct {
	Addr uintptr
	Size int
	// Foreign blocks come from an AllocFunc and are never freed here.
	Foreign bool
}

// End is the first address past the block.
func (b Block) End() uintptr {
	return b.Addr + uintptr(b.Size)
}

// Request describes an allocation.
type Request struct {
	Size int
	// Pos and Range constrain the whole block to [Pos-Range, Pos+Range].
	// A zero Range means anywhere.
	Pos, Range uintptr
	Callback   AllocFunc
}

// Mapper maps executable pages.
type Mapper interface {
	// Map maps size bytes read+execute exactly at addr, or anywhere when addr is 0.
	Map(addr uintptr, size int) (uintptr, error)
	Unmap(addr uintptr, size int) error
	// Gaps lists unmapped holes within [lo, hi).
	Gaps(lo, hi uintptr) ([]procmaps.Gap, error)
	PageSize() int
}

type span struct {
	addr uintptr
	size int
}

func (s span) end() uintptr {
	return s.addr + uintptr(s.size)
}

type region struct {
	start uintptr
	size  int
	free  []span
}

func (r *region) contains(addr uintptr) bool {
	return addr >= r.start && addr < r.start+uintptr(r.size)
}

// Stats describes the allocator state.
type Stats struct {
	Regions   int
	Mapped    int
	Free      int
	Retired   int
	RetiredSz int
}

// Allocator is safe for concurrent use.
type Allocator struct {
	mu         sync.Mutex
	mapper     Mapper
	regionSize int
	regions    []*region
	retired    []Block
}

// New returns an allocator mapping regions of at least regionSize bytes.
func New(mapper Mapper, regionSize int) *Allocator {
	return &Allocator{
		mapper:     mapper,
		regionSize: alignUp(regionSize, mapper.PageSize()),
	}
}

// SetMapper replaces the page mapper used for new regions.
func (a *Allocator) SetMapper(m Mapper) {
	a.mu.Lock()
	a.mapper = m
	a.mu.Unlock()
}

// Alloc returns a block satisfying req.
func (a *Allocator) Alloc(req Request) (Block, error) {
	if req.Size <= 0 {
		return Block{}, errors.Errorf("invalid block size %d", req.Size)
	}
	size := alignUp(req.Size, blockAlign)
	lo, hi := bounds(req.Pos, req.Range)
	if req.Callback != nil && req.Range != 0 {
		if addr := req.Callback(size, req.Pos, req.Range); addr != 0 && addr >= lo && addr+uintptr(size) <= hi {
			return Block{Addr: addr, Size: size, Foreign: true}, nil
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.regions {
		if b, ok := r.take(size, lo, hi); ok {
			return b, nil
		}
	}
	r, err := a.mapRegion(size, req.Pos, lo, hi)
	if err != nil {
		return Block{}, err
	}
	b, ok := r.take(size, lo, hi)
	if !ok {
		return Block{}, errors.Wrapf(ErrNoSpaceInRange, "fresh region %#x cannot hold %d bytes", r.start, size)
	}
	return b, nil
}

// Free returns a block that was never executed to the free list.
func (a *Allocator) Free(b Block) error {
	if b.Foreign || b.Size == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.regions {
		if r.contains(b.Addr) {
			r.release(span{addr: b.Addr, size: b.Size})
			return nil
		}
	}
	return errors.Wrapf(ErrUnknownBlock, "%#x", b.Addr)
}

// Retire keeps a block mapped for the rest of the process lifetime.
func (a *Allocator) Retire(b Block) {
	if b.Size == 0 {
		return
	}
	a.mu.Lock()
	a.retired = append(a.retired, b)
	a.mu.Unlock()
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var s Stats
	s.Regions = len(a.regions)
	for _, r := range a.regions {
		s.Mapped += r.size
		for _, f := range r.free {
			s.Free += f.size
		}
	}
	s.Retired = len(a.retired)
	for _, b := range a.retired {
		s.RetiredSz += b.Size
	}
	return s
}

func (a *Allocator) mapRegion(size int, pos, lo, hi uintptr) (*region, error) {
	page := a.mapper.PageSize()
	length := alignUp(max(size, a.regionSize), page)
	if lo == 0 && hi == ^uintptr(0) {
		addr, err := a.mapper.Map(0, length)
		if err != nil {
			return nil, errors.Wrap(err, "map code region")
		}
		return a.addRegion(addr, length), nil
	}
	gaps, err := a.mapper.Gaps(lo, hi)
	if err != nil {
		return nil, err
	}
	sort.Slice(gaps, func(i, j int) bool {
		return distance(gaps[i], pos) < distance(gaps[j], pos)
	})
	for _, g := range gaps {
		addr, ok := placement(g, pos, uintptr(length), uintptr(page))
		if !ok {
			continue
		}
		got, err := a.mapper.Map(addr, length)
		if err != nil {
			continue
		}
		return a.addRegion(got, length), nil
	}
	return nil, errors.Wrapf(ErrNoSpaceInRange, "%d bytes within [%#x, %#x)", size, lo, hi)
}

func (a *Allocator) addRegion(addr uintptr, length int) *region {
	r := &region{start: addr, size: length, free: []span{{addr: addr, size: length}}}
	a.regions = append(a.regions, r)
	return r
}

// take carves size bytes out of the first free span intersecting [lo, hi).
func (r *region) take(size int, lo, hi uintptr) (Block, bool) {
	for i, f := range r.free {
		start := alignUp(max(f.addr, lo), blockAlign)
		end := start + uintptr(size)
		if end > f.end() || end > hi || end < start {
			continue
		}
		var rest []span
		if start > f.addr {
			rest = append(rest, span{addr: f.addr, size: int(start - f.addr)})
		}
		if end < f.end() {
			rest = append(rest, span{addr: end, size: int(f.end() - end)})
		}
		r.free = append(r.free[:i], append(rest, r.free[i+1:]...)...)
		return Block{Addr: start, Size: size}, true
	}
	return Block{}, false
}

// release inserts s into the sorted free list and merges neighbours.
func (r *region) release(s span) {
	i := sort.Search(len(r.free), func(i int) bool { return r.free[i].addr > s.addr })
	r.free = append(r.free, span{})
	copy(r.free[i+1:], r.free[i:])
	r.free[i] = s
	if i+1 < len(r.free) && r.free[i].end() == r.free[i+1].addr {
		r.free[i].size += r.free[i+1].size
		r.free = append(r.free[:i+1], r.free[i+2:]...)
	}
	if i > 0 && r.free[i-1].end() == r.free[i].addr {
		r.free[i-1].size += r.free[i].size
		r.free = append(r.free[:i], r.free[i+1:]...)
	}
}

// bounds turns a position and range into a saturated [lo, hi) window.
func bounds(pos, rng uintptr) (uintptr, uintptr) {
	if rng == 0 {
		return 0, ^uintptr(0)
	}
	lo := minAddr
	if pos > rng && pos-rng > lo {
		lo = pos - rng
	}
	hi := pos + rng
	if hi < pos {
		hi = ^uintptr(0)
	}
	return lo, hi
}

func distance(g procmaps.Gap, pos uintptr) uintptr {
	switch {
	case pos < g.Start:
		return g.Start - pos
	case pos >= g.End:
		return pos - g.End
	}
	return 0
}

// placement picks the page-aligned address in g closest to pos that holds length bytes.
func placement(g procmaps.Gap, pos, length, page uintptr) (uintptr, bool) {
	start := alignUp(g.Start, page)
	last := alignDown(g.End-length, page)
	if g.End < length || last < start || g.End-length < g.Start {
		return 0, false
	}
	addr := alignDown(pos, page)
	if addr < start {
		addr = start
	}
	if addr > last {
		addr = last
	}
	return addr, true
}

func alignUp[T constraints.Integer](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

func alignDown[T constraints.Integer](v, align T) T {
	return v &^ (align - 1)
}
