package jit

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/colorfulnotion/jitski/jiterrors"
	"github.com/colorfulnotion/jitski/log"
	"github.com/colorfulnotion/jitski/x86"
)

// Mapper obtains and returns memory that is readable, writable and
// executable. Map must return a slice of exactly size bytes.
type Mapper interface {
	Map(size int) ([]byte, error)
	Unmap(mem []byte) error
}

// region is one mapping holding one assembled sequence.
type region struct {
	mem     []byte
	listing *x86.Listing
}

func (r *region) base() uintptr { return uintptr(unsafe.Pointer(&r.mem[0])) }

func (r *region) contains(addr uintptr, n int) (int, bool) {
	b := r.base()
	if addr < b || addr-b > uintptr(len(r.mem)) || uintptr(len(r.mem))-(addr-b) < uintptr(n) {
		return 0, false
	}
	return int(addr - b), true
}

// ExecutableBuffer owns the executable regions of an engine. Each call to
// Assemble maps a fresh region, so code already handed out never moves.
type ExecutableBuffer struct {
	mu       sync.Mutex
	mapper   Mapper
	pageSize int
	regions  []*region
	released bool
}

// NewExecutableBuffer returns a buffer whose regions are pageSize bytes.
func NewExecutableBuffer(pageSize int, mapper Mapper) *ExecutableBuffer {
	return &ExecutableBuffer{mapper: mapper, pageSize: pageSize}
}

// Assemble encodes seq into a new region and returns its listing. The
// listing's Base is the entry address of the sequence.
func (b *ExecutableBuffer) Assemble(seq x86.Sequence) (*x86.Listing, error) {
	size, err := seq.Size()
	if err != nil {
		return nil, err
	}
	if size > b.pageSize {
		return nil, fmt.Errorf("sequence needs %d bytes, region holds %d: %w", size, b.pageSize, jiterrors.ErrBufferOverflow)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, jiterrors.ErrEngineClosed
	}
	mem, err := b.mapper.Map(b.pageSize)
	if err != nil {
		return nil, fmt.Errorf("map %d bytes: %w: %w", b.pageSize, jiterrors.ErrAllocation, err)
	}
	if len(mem) < b.pageSize {
		b.mapper.Unmap(mem)
		return nil, fmt.Errorf("mapper returned %d of %d bytes: %w", len(mem), b.pageSize, jiterrors.ErrAllocation)
	}
	r := &region{mem: mem[:b.pageSize]}
	listing, err := x86.Assemble(r.mem, r.base(), seq)
	if err != nil {
		b.mapper.Unmap(mem)
		return nil, err
	}
	r.listing = listing
	b.regions = append(b.regions, r)
	log.Trace(log.JitMonitoring, "assembled region", "base", fmt.Sprintf("%#x", listing.Base), "size", listing.Size, "regions", len(b.regions))
	return listing, nil
}

func (b *ExecutableBuffer) find(addr uintptr, n int) (*region, int, bool) {
	for _, r := range b.regions {
		if off, ok := r.contains(addr, n); ok {
			return r, off, true
		}
	}
	return nil, 0, false
}

// Bytes copies n bytes of generated code starting at addr.
func (b *ExecutableBuffer) Bytes(addr uintptr, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, off, ok := b.find(addr, n)
	if !ok {
		return nil, fmt.Errorf("%d bytes at %#x are not generated code", n, addr)
	}
	out := make([]byte, n)
	copy(out, r.mem[off:off+n])
	return out, nil
}

// Owns reports whether addr lies inside a region of b.
func (b *ExecutableBuffer) Owns(addr uintptr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, ok := b.find(addr, 1)
	return ok
}

// Regions returns the number of mapped regions.
func (b *ExecutableBuffer) Regions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.regions)
}

// patchRel32 rewrites the displacement of the direct call whose opcode byte
// is at site, leaving the opcode alone. Other threads observe either the
// old or the new displacement.
func (b *ExecutableBuffer) patchRel32(site uintptr, disp int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, off, ok := b.find(site, x86.CallLen)
	if !ok {
		return fmt.Errorf("call at %#x is not generated code: %w", site, jiterrors.ErrNotCallSite)
	}
	if r.mem[off] != x86.X86_OP_CALL_REL32 {
		return fmt.Errorf("byte %#02x at %#x: %w", r.mem[off], site, jiterrors.ErrNotCallSite)
	}
	field := unsafe.Pointer(&r.mem[off+1])
	if runtime.GOARCH == "amd64" || uintptr(field)%4 == 0 {
		atomic.StoreUint32((*uint32)(field), uint32(disp))
	} else {
		binary.LittleEndian.PutUint32(r.mem[off+1:], uint32(disp))
	}
	return nil
}

// Release unmaps every region. Code addresses handed out earlier become invalid.
func (b *ExecutableBuffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	b.released = true
	var first error
	for _, r := range b.regions {
		if err := b.mapper.Unmap(r.mem); err != nil && first == nil {
			first = err
		}
	}
	b.regions = nil
	return first
}
