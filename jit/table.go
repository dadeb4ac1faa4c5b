package jit

import (
	"fmt"
	"sync"

	"github.com/xlab/treeprint"

	"github.com/colorfulnotion/jitski/jiterrors"
	"github.com/colorfulnotion/jitski/log"
	"github.com/colorfulnotion/jitski/x86"
)

// Assembler places an instruction sequence in executable memory.
type Assembler interface {
	Assemble(seq x86.Sequence) (*x86.Listing, error)
}

type slot struct {
	seq     x86.Sequence
	listing *x86.Listing // nil until first resolution
}

// FunctionTable maps identifiers in [0, capacity) to instruction sequences
// and compiles each sequence at most once, on its first resolution.
type FunctionTable struct {
	mu           sync.Mutex
	asm          Assembler
	slots        []*slot
	compilations int
}

// NewFunctionTable returns an empty table with a fixed number of slots.
func NewFunctionTable(capacity int, asm Assembler) *FunctionTable {
	return &FunctionTable{asm: asm, slots: make([]*slot, capacity)}
}

func (t *FunctionTable) Capacity() int { return len(t.slots) }

func (t *FunctionTable) index(id int) error {
	if id < 0 || id >= len(t.slots) {
		return fmt.Errorf("function %d, capacity %d: %w", id, len(t.slots), jiterrors.ErrLookupOutOfRange)
	}
	return nil
}

// Register stores seq as the body of function id. A pending body may be
// replaced; a compiled one may not.
func (t *FunctionTable) Register(id int, seq x86.Sequence) error {
	if err := t.index(id); err != nil {
		return err
	}
	if len(seq) == 0 {
		return fmt.Errorf("function %d: empty sequence: %w", id, jiterrors.ErrLookupUnregistered)
	}
	if _, err := seq.Size(); err != nil {
		return fmt.Errorf("function %d: %w", id, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.slots[id]; s != nil && s.listing != nil {
		return fmt.Errorf("function %d at %#x: %w", id, s.listing.Base, jiterrors.ErrAlreadyCompiled)
	}
	t.slots[id] = &slot{seq: append(x86.Sequence(nil), seq...)}
	log.Trace(log.JitMonitoring, "registered", "id", id, "instructions", len(seq))
	return nil
}

// Resolve returns the entry address of function id, compiling it first if
// this is its first resolution. A failed compilation leaves the function
// pending so a later call retries it.
func (t *FunctionTable) Resolve(id int) (uintptr, error) {
	if err := t.index(id); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slots[id]
	if s == nil {
		return 0, fmt.Errorf("function %d: %w", id, jiterrors.ErrLookupUnregistered)
	}
	if s.listing != nil {
		return s.listing.Base, nil
	}
	listing, err := t.asm.Assemble(s.seq)
	if err != nil {
		return 0, fmt.Errorf("compile function %d: %w", id, err)
	}
	s.listing = listing
	t.compilations++
	log.Emit(log.JitMonitoring, "compile",
		"id", id,
		"entry", fmt.Sprintf("%#x", listing.Base),
		"size", listing.Size,
		"calls", len(listing.Calls))
	return listing.Base, nil
}

// Listing returns the assembled form of function id, if it is compiled.
func (t *FunctionTable) Listing(id int) (*x86.Listing, bool) {
	if t.index(id) != nil {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.slots[id]; s != nil && s.listing != nil {
		return s.listing, true
	}
	return nil, false
}

// Sequence returns the registered body of function id.
func (t *FunctionTable) Sequence(id int) (x86.Sequence, bool) {
	if t.index(id) != nil {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.slots[id]; s != nil {
		return s.seq, true
	}
	return nil, false
}

// Compilations is the number of successful compilations so far.
func (t *FunctionTable) Compilations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compilations
}

// Registered lists the identifiers that hold a sequence, in order.
func (t *FunctionTable) Registered() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []int
	for id, s := range t.slots {
		if s != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Tree renders the occupied slots with their state and call sites.
func (t *FunctionTable) Tree() treeprint.Tree {
	t.mu.Lock()
	defer t.mu.Unlock()
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("functions (%d/%d slots, %d compiled)", t.occupied(), len(t.slots), t.compilations))
	for id, s := range t.slots {
		if s == nil {
			continue
		}
		if s.listing == nil {
			tree.AddMetaNode("pending", fmt.Sprintf("f%d: %d instructions", id, len(s.seq)))
			continue
		}
		b := tree.AddMetaBranch("compiled", fmt.Sprintf("f%d @ %#x (%d bytes)", id, s.listing.Base, s.listing.Size))
		for _, c := range s.listing.Calls {
			b.AddNode(fmt.Sprintf("call @ %#x -> %#x", c.Addr, c.Target))
		}
	}
	return tree
}

func (t *FunctionTable) occupied() int {
	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}
