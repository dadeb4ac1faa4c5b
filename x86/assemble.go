package x86

import (
	"fmt"

	"github.com/colorfulnotion/jitski/jiterrors"
)

// CallSite is a direct call emitted into generated code.
type CallSite struct {
	Addr   uintptr // address of the 0xE8 opcode byte
	Target uintptr // target at encode time
}

// Listing describes an assembled sequence.
type Listing struct {
	Base   uintptr
	Size   int
	Labels map[string]int // label name -> offset from Base
	Calls  []CallSite
}

// Assemble encodes seq consecutively into dst, whose first byte lives at pc.
// The sequence is sized before anything is written, so an oversized
// sequence fails with ErrBufferOverflow and leaves dst untouched.
func Assemble(dst []byte, pc uintptr, seq Sequence) (*Listing, error) {
	size, err := seq.Size()
	if err != nil {
		return nil, err
	}
	if size > len(dst) {
		return nil, fmt.Errorf("sequence needs %d bytes, buffer holds %d: %w", size, len(dst), jiterrors.ErrBufferOverflow)
	}
	// Encode into scratch first; a call out of range must not leave half a body behind.
	scratch := make([]byte, size)
	l := &Listing{Base: pc, Labels: make(map[string]int)}
	off := 0
	for idx, inst := range seq {
		if lbl, ok := inst.(Label); ok {
			l.Labels[lbl.Name] = off
			continue
		}
		n, err := Encode(scratch[off:], pc+uintptr(off), inst)
		if err != nil {
			return nil, fmt.Errorf("instruction %d (%s): %w", idx, inst, err)
		}
		if c, ok := inst.(Call); ok {
			l.Calls = append(l.Calls, CallSite{Addr: pc + uintptr(off), Target: c.Target})
		}
		off += n
	}
	l.Size = copy(dst, scratch[:off])
	return l, nil
}
