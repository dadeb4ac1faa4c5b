//go:build unicorn
// +build unicorn

package jit

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/colorfulnotion/jitski/jiterrors"
	"github.com/colorfulnotion/jitski/log"
	"github.com/colorfulnotion/jitski/x86"
)

// Guest layout. Code pages are handed out upward from guestCodeBase.
const (
	guestCodeBase  = uint64(0x0100_0000)
	guestCodeSize  = uint64(0x0010_0000)
	guestResolver  = uint64(0x0080_0000) // one ret, hooked
	guestExit      = uint64(0x0080_1000) // execution stops here
	guestStackBase = uint64(0x0090_0000)
	guestStackSize = uint64(0x0001_0000)
	guestPageSize  = 0x1000
)

// guestMemory is code memory inside the emulator. Regions come from a
// bump allocator and are never unmapped before the emulator closes.
type guestMemory struct {
	mu       sync.Mutex
	emu      uc.Unicorn
	next     uint64
	pageSize int
	regions  [][2]uint64 // base, size
}

func (g *guestMemory) Assemble(seq x86.Sequence) (*x86.Listing, error) {
	size, err := seq.Size()
	if err != nil {
		return nil, err
	}
	if size > g.pageSize {
		return nil, fmt.Errorf("sequence needs %d bytes, region holds %d: %w", size, g.pageSize, jiterrors.ErrBufferOverflow)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	base := g.next
	if base+uint64(g.pageSize) > guestCodeBase+guestCodeSize {
		return nil, fmt.Errorf("guest code range exhausted: %w", jiterrors.ErrAllocation)
	}
	if err := g.emu.MemMap(base, uint64(g.pageSize)); err != nil {
		return nil, fmt.Errorf("map guest page %#x: %w: %w", base, jiterrors.ErrAllocation, err)
	}
	if err := g.emu.MemProtect(base, uint64(g.pageSize), uc.PROT_ALL); err != nil {
		return nil, fmt.Errorf("protect guest page %#x: %w: %w", base, jiterrors.ErrAllocation, err)
	}
	code := make([]byte, size)
	listing, err := x86.Assemble(code, uintptr(base), seq)
	if err != nil {
		g.emu.MemUnmap(base, uint64(g.pageSize))
		return nil, err
	}
	if err := g.emu.MemWrite(base, code[:listing.Size]); err != nil {
		return nil, fmt.Errorf("write guest code: %w", err)
	}
	g.next += uint64(g.pageSize)
	g.regions = append(g.regions, [2]uint64{base, uint64(g.pageSize)})
	log.Trace(log.SandboxMonitoring, "assembled guest region", "base", fmt.Sprintf("%#x", base), "size", listing.Size)
	return listing, nil
}

func (g *guestMemory) owns(addr uint64, n int) bool {
	for _, r := range g.regions {
		if addr >= r[0] && addr+uint64(n) <= r[0]+r[1] {
			return true
		}
	}
	return false
}

func (g *guestMemory) Bytes(addr uintptr, n int) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.owns(uint64(addr), n) {
		return nil, fmt.Errorf("%d bytes at %#x are not guest code", n, addr)
	}
	return g.emu.MemRead(uint64(addr), uint64(n))
}

func (g *guestMemory) patchRel32(site uintptr, disp int32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.owns(uint64(site), x86.CallLen) {
		return fmt.Errorf("call at %#x is not guest code: %w", site, jiterrors.ErrNotCallSite)
	}
	var field [4]byte
	binary.LittleEndian.PutUint32(field[:], uint32(disp))
	return g.emu.MemWrite(uint64(site)+1, field[:])
}

func (g *guestMemory) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.regions = nil
	return nil
}

// Sandbox is an engine whose code runs inside the Unicorn x86-64 emulator.
// The resolution routine is a hooked guest address, so lazy binding and
// call-site rewriting behave as they do natively.
type Sandbox struct {
	*Engine
	emu uc.Unicorn
}

// NewSandbox creates an emulator and an engine whose code lives in it.
func NewSandbox(cfg Config) (*Sandbox, error) {
	cfg.PageSize = guestPageSize
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	emu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	s := &Sandbox{emu: emu}
	if err := s.mapFixed(); err != nil {
		emu.Close()
		return nil, err
	}
	mem := &guestMemory{emu: emu, next: guestCodeBase, pageSize: guestPageSize}
	s.Engine = newEngine(cfg, mem)
	if _, err := emu.HookAdd(uc.HOOK_CODE, s.onResolve, guestResolver, guestResolver); err != nil {
		emu.Close()
		return nil, fmt.Errorf("add resolver hook: %w", err)
	}
	if err := s.install(uintptr(guestResolver), 0, func() { emu.Close() }); err != nil {
		return nil, err
	}
	s.run = s.invoke
	return s, nil
}

func (s *Sandbox) mapFixed() error {
	for _, r := range [][2]uint64{
		{guestResolver, guestPageSize},
		{guestExit, guestPageSize},
		{guestStackBase, guestStackSize},
	} {
		if err := s.emu.MemMap(r[0], r[1]); err != nil {
			return fmt.Errorf("map guest %#x: %w", r[0], err)
		}
		if err := s.emu.MemProtect(r[0], r[1], uc.PROT_ALL); err != nil {
			return fmt.Errorf("protect guest %#x: %w", r[0], err)
		}
	}
	return s.emu.MemWrite(guestResolver, []byte{x86.X86_OP_RET})
}

// onResolve runs when the trampoline calls the resolution routine.
// Arguments follow the native convention: RDI id, RDX return address.
func (s *Sandbox) onResolve(mu uc.Unicorn, addr uint64, size uint32) {
	id, err := mu.RegRead(uc.X86_REG_RDI)
	if err != nil {
		s.abort(err)
		return
	}
	ret, err := mu.RegRead(uc.X86_REG_RDX)
	if err != nil {
		s.abort(err)
		return
	}
	target, err := s.bind(id, uintptr(ret))
	if err != nil {
		s.abort(err)
		return
	}
	log.Trace(log.SandboxMonitoring, "resolved", "id", id, "target", fmt.Sprintf("%#x", target))
	if err := mu.RegWrite(uc.X86_REG_RAX, uint64(target)); err != nil {
		s.abort(err)
	}
}

func (s *Sandbox) abort(err error) {
	log.Warn(log.SandboxMonitoring, "bind failed", "err", err)
	s.setFault(err)
	s.emu.Stop()
}

// invoke runs guest code at entry until it returns to the exit address.
func (s *Sandbox) invoke(entry uintptr, arg uint64) (uint64, error) {
	if err := s.live(); err != nil {
		return 0, err
	}
	sp := guestStackBase + guestStackSize - 16 - 8
	var ret [8]byte
	binary.LittleEndian.PutUint64(ret[:], guestExit)
	if err := s.emu.MemWrite(sp, ret[:]); err != nil {
		return 0, fmt.Errorf("write exit address: %w", err)
	}
	if err := s.emu.RegWrite(uc.X86_REG_RSP, sp); err != nil {
		return 0, fmt.Errorf("set RSP: %w", err)
	}
	if err := s.emu.RegWrite(uc.X86_REG_RDI, arg); err != nil {
		return 0, fmt.Errorf("set RDI: %w", err)
	}
	s.setFault(nil)
	if err := s.emu.Start(uint64(entry), guestExit); err != nil {
		return 0, fmt.Errorf("emulation failed: %w", err)
	}
	s.mu.Lock()
	fault := s.fault
	s.fault = nil
	s.mu.Unlock()
	if fault != nil {
		return 0, fault
	}
	pc, err := s.emu.RegRead(uc.X86_REG_RIP)
	if err != nil {
		return 0, err
	}
	if pc != guestExit {
		return 0, fmt.Errorf("guest stopped at %#x", pc)
	}
	return s.emu.RegRead(uc.X86_REG_RAX)
}
