package jit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/colorfulnotion/jitski/jiterrors"
	"github.com/colorfulnotion/jitski/log"
	"github.com/colorfulnotion/jitski/x86"
)

// SiteState is the binding state of a lazy call site.
type SiteState int

const (
	Unresolved SiteState = iota // still calls the trampoline
	Resolved                    // calls the compiled function directly
)

func (s SiteState) String() string {
	if s == Resolved {
		return "resolved"
	}
	return "unresolved"
}

// CallSite describes a direct call in generated code that targets, or once
// targeted, the trampoline.
type CallSite struct {
	Addr   uintptr
	Owner  string // label of the sequence holding the call
	State  SiteState
	Target uintptr // current target
	Binds  int     // times the trampoline rewrote this site
}

// Stats counts engine activity.
type Stats struct {
	Compilations int // functions compiled
	Resolutions  int // entries into the resolution routine
	Patches      int // call sites rewritten
}

// codeMemory holds generated code and rewrites call sites inside it.
type codeMemory interface {
	Assembler
	Bytes(addr uintptr, n int) ([]byte, error)
	patchRel32(site uintptr, disp int32) error
	Release() error
}

// Engine ties a function table to one code memory and one trampoline.
type Engine struct {
	cfg   Config
	buf   codeMemory
	table *FunctionTable
	tramp *x86.Listing
	drop  func()
	run   func(entry uintptr, arg uint64) (uint64, error)

	mu     sync.Mutex
	stubs  map[int]*x86.Listing
	owners map[uintptr]string // call site -> owner label
	binds  map[uintptr]int
	stats  Stats
	fault  error
	closed bool
}

// New maps the trampoline and returns an engine with an empty table.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := newEngine(cfg, NewExecutableBuffer(cfg.PageSize, cfg.Mapper))
	ctx, drop := registerEngine(e)
	if err := e.install(resolverAddress(), ctx, drop); err != nil {
		return nil, err
	}
	e.run = e.invoke
	return e, nil
}

func newEngine(cfg Config, mem codeMemory) *Engine {
	e := &Engine{
		cfg:    cfg,
		buf:    mem,
		stubs:  make(map[int]*x86.Listing),
		owners: make(map[uintptr]string),
		binds:  make(map[uintptr]int),
	}
	e.table = NewFunctionTable(cfg.Capacity, e)
	return e
}

// install assembles the trampoline. On failure it releases everything the
// engine holds, drop included.
func (e *Engine) install(resolver uintptr, ctx uint64, drop func()) error {
	e.drop = drop
	tramp, err := e.buf.Assemble(TrampolineSequence(resolver, ctx))
	if err != nil {
		drop()
		e.buf.Release()
		return fmt.Errorf("trampoline: %w", err)
	}
	e.tramp = tramp
	log.Debug(log.TrampMonitoring, "trampoline mapped", "addr", fmt.Sprintf("%#x", tramp.Base), "size", tramp.Size, "capacity", e.cfg.Capacity)
	return nil
}

// Assemble places seq in the engine's buffer and remembers which of its
// direct calls go through the trampoline.
func (e *Engine) Assemble(seq x86.Sequence) (*x86.Listing, error) {
	listing, err := e.buf.Assemble(seq)
	if err != nil {
		return nil, err
	}
	owner := fmt.Sprintf("%#x", listing.Base)
	if len(seq) > 0 {
		if lbl, ok := seq[0].(x86.Label); ok {
			owner = lbl.Name
		}
	}
	e.mu.Lock()
	for _, c := range listing.Calls {
		if c.Target == e.tramp.Base {
			e.owners[c.Addr] = owner
		}
	}
	e.mu.Unlock()
	return listing, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Table exposes the function table.
func (e *Engine) Table() *FunctionTable { return e.table }

// Trampoline returns the trampoline's address.
func (e *Engine) Trampoline() uintptr { return e.tramp.Base }

// TrampolineListing describes the assembled trampoline.
func (e *Engine) TrampolineListing() x86.Listing { return *e.tramp }

// Register stores seq as the body of function id.
func (e *Engine) Register(id int, seq x86.Sequence) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.table.Register(id, seq)
}

// Resolve compiles function id if needed and returns its entry.
func (e *Engine) Resolve(id int) (uintptr, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	return e.table.Resolve(id)
}

// LazyCall returns a call site for function id that binds on first use.
// See LazyCallSequence for the register protocol.
func (e *Engine) LazyCall(id int, arg ...x86.Reg) (x86.Sequence, error) {
	seq, err := LazyCallSequence(e.tramp.Base, id, arg...)
	if err != nil {
		return nil, err
	}
	if err := e.table.index(id); err != nil {
		return nil, err
	}
	return seq, nil
}

// LazyEntry returns the address of a stub that calls function id through a
// lazy call site. Function id is not compiled until the stub first runs.
func (e *Engine) LazyEntry(id int) (uintptr, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	stub, ok := e.stubs[id]
	e.mu.Unlock()
	if ok {
		return stub.Base, nil
	}
	seq, err := lazyEntrySequence(e.tramp.Base, id)
	if err != nil {
		return 0, err
	}
	if err := e.table.index(id); err != nil {
		return 0, err
	}
	stub, err = e.Assemble(seq)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.stubs[id]; ok {
		return prev.Base, nil
	}
	e.stubs[id] = stub
	return stub.Base, nil
}

// bind is the resolution routine. ret is the return address of the call
// that entered the trampoline. bind compiles function id if needed,
// rewrites that call to target it and returns its entry.
func (e *Engine) bind(id uint64, ret uintptr) (uintptr, error) {
	e.mu.Lock()
	e.stats.Resolutions++
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0, jiterrors.ErrEngineClosed
	}
	site := ret - x86.CallLen
	if _, err := e.callTarget(site); err != nil {
		return 0, err
	}
	if id >= uint64(e.table.Capacity()) {
		return 0, fmt.Errorf("function %d, capacity %d: %w", id, e.table.Capacity(), jiterrors.ErrLookupOutOfRange)
	}
	target, err := e.table.Resolve(int(id))
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cur, err := e.callTarget(site)
	if err != nil {
		return 0, err
	}
	if cur == target {
		// Another thread bound this site between its call and ours.
		return target, nil
	}
	if cur != e.tramp.Base {
		return 0, fmt.Errorf("call at %#x targets %#x: %w", site, cur, jiterrors.ErrNotCallSite)
	}
	disp, err := x86.Rel32(target, ret)
	if err != nil {
		return 0, fmt.Errorf("bind call at %#x: %w", site, err)
	}
	if err := e.buf.patchRel32(site, disp); err != nil {
		return 0, err
	}
	e.binds[site]++
	e.stats.Patches++
	log.Emit(log.TrampMonitoring, "bind",
		"id", id,
		"site", fmt.Sprintf("%#x", site),
		"target", fmt.Sprintf("%#x", target),
		"owner", e.owners[site])
	return target, nil
}

// callTarget decodes the direct call at site.
func (e *Engine) callTarget(site uintptr) (uintptr, error) {
	code, err := e.buf.Bytes(site, x86.CallLen)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, jiterrors.ErrNotCallSite)
	}
	if code[0] != x86.X86_OP_CALL_REL32 {
		return 0, fmt.Errorf("byte %#02x at %#x: %w", code[0], site, jiterrors.ErrNotCallSite)
	}
	rel := int32(binary.LittleEndian.Uint32(code[1:]))
	return site + x86.CallLen + uintptr(int64(rel)), nil
}

// CallSites lists every lazy call site assembled so far, by address.
func (e *Engine) CallSites() ([]CallSite, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sites := make([]CallSite, 0, len(e.owners))
	for addr, owner := range e.owners {
		target, err := e.callTarget(addr)
		if err != nil {
			return nil, err
		}
		cs := CallSite{Addr: addr, Owner: owner, Target: target, Binds: e.binds[addr]}
		if target != e.tramp.Base {
			cs.State = Resolved
		}
		sites = append(sites, cs)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Addr < sites[j].Addr })
	return sites, nil
}

// Code returns a copy of n bytes of generated code at addr.
func (e *Engine) Code(addr uintptr, n int) ([]byte, error) {
	return e.buf.Bytes(addr, n)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := e.stats
	e.mu.Unlock()
	s.Compilations = e.table.Compilations()
	return s
}

func (e *Engine) setFault(err error) {
	e.mu.Lock()
	e.fault = err
	e.mu.Unlock()
}

func (e *Engine) takeFault() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.fault
	e.fault = nil
	if err == nil {
		err = errors.New("native call aborted")
	}
	return err
}

func (e *Engine) live() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return jiterrors.ErrEngineClosed
	}
	return nil
}

// Call runs function id natively with one integer argument.
func (e *Engine) Call(id int, arg uint64) (uint64, error) {
	entry, err := e.Resolve(id)
	if err != nil {
		return 0, err
	}
	return e.run(entry, arg)
}

// CallLazy runs function id through its lazy entry stub.
func (e *Engine) CallLazy(id int, arg uint64) (uint64, error) {
	entry, err := e.LazyEntry(id)
	if err != nil {
		return 0, err
	}
	return e.run(entry, arg)
}

// Close releases every code region. The engine is unusable afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.drop()
	return e.buf.Release()
}
