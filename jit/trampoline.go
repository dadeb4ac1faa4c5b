package jit

import (
	"fmt"

	"github.com/colorfulnotion/jitski/jiterrors"
	"github.com/colorfulnotion/jitski/x86"
)

// Registers of the lazy call protocol. A call site loads the function
// identifier into IDReg and makes a direct call to the trampoline; the
// callee's single integer argument travels in ArgReg untouched.
const (
	IDReg  = x86.RSI
	ArgReg = x86.RDI
)

// TrampolineSequence returns the shared trampoline. On entry the return
// address points just past the 5-byte call that reached it. The trampoline
// calls resolver(id, ctx, ret) with the System V convention; resolver
// rewrites that call to target the compiled function and returns its
// entry. The trampoline then restores the argument and returns onto the
// rewritten call, so the caller's original call proceeds to the callee.
//
// The stack is 8 mod 16 on entry, so the two pushes leave it 0 mod 16 at
// the inner call.
func TrampolineSequence(resolver uintptr, ctx uint64) x86.Sequence {
	return x86.Sequence{
		x86.Label{Name: "trampoline"},
		x86.Pop{Dst: x86.RCX},
		x86.Push{Src: ArgReg},
		x86.Push{Src: x86.RCX},
		x86.Mov64{Dst: x86.RDX, Src: x86.RCX},
		x86.Mov64{Dst: x86.RDI, Src: IDReg},
		x86.MovImm64{Dst: x86.RSI, Imm: ctx},
		x86.MovImm64{Dst: x86.RAX, Imm: uint64(resolver)},
		x86.CallReg{Target: x86.RAX},
		x86.Pop{Dst: x86.RCX},
		x86.Pop{Dst: ArgReg},
		x86.Add64Imm8{Dst: x86.RCX, Imm: -x86.CallLen},
		x86.Push{Src: x86.RCX},
		x86.Ret{},
	}
}

// LazyCallSequence returns a call site for function id through the
// trampoline at tramp. If arg names a register other than ArgReg, it is
// copied there first. The site must execute with the stack 0 mod 16.
func LazyCallSequence(tramp uintptr, id int, arg ...x86.Reg) (x86.Sequence, error) {
	if len(arg) > 1 {
		return nil, fmt.Errorf("%d arguments: %w", len(arg), jiterrors.ErrTooManyArguments)
	}
	if id < 0 || uint64(id) > 1<<32-1 {
		return nil, fmt.Errorf("function %d: %w", id, jiterrors.ErrLookupOutOfRange)
	}
	var seq x86.Sequence
	if len(arg) == 1 && arg[0] != ArgReg {
		seq = append(seq, x86.Mov64{Dst: ArgReg, Src: arg[0]})
	}
	return append(seq,
		x86.MovImm32{Dst: IDReg, Imm: uint32(id)},
		x86.Call{Target: tramp},
	), nil
}

// lazyEntrySequence is a callable stub that forwards its argument to
// function id through a lazy call site. The push keeps the site aligned.
func lazyEntrySequence(tramp uintptr, id int) (x86.Sequence, error) {
	site, err := LazyCallSequence(tramp, id)
	if err != nil {
		return nil, err
	}
	seq := x86.Sequence{x86.Label{Name: fmt.Sprintf("lazy.f%d", id)}, x86.Push{Src: x86.RBX}}
	seq = append(seq, site...)
	return append(seq, x86.Pop{Dst: x86.RBX}, x86.Ret{}), nil
}
