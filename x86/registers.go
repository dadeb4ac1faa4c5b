// Package x86 models the small x86-64 instruction subset the JIT emits and
// encodes it into machine code.
package x86

import "fmt"

// Reg is a general-purpose register. Its value is the 3-bit code used
// directly in ModRM, SIB and opcode+register bytes; no extended registers.
type Reg uint8

const (
	RAX Reg = 0b000 // return value, scratch
	RCX Reg = 0b001 // scratch
	RDX Reg = 0b010 // scratch, third argument
	RBX Reg = 0b011 // callee-saved
	RSP Reg = 0b100 // stack pointer
	RBP Reg = 0b101 // frame pointer
	RSI Reg = 0b110 // second argument
	RDI Reg = 0b111 // first argument
)

var regNames = [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi"}
var regNames32 = [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}

// Valid reports whether r is one of the eight encodable registers.
func (r Reg) Valid() bool { return r <= RDI }

func (r Reg) String() string {
	if !r.Valid() {
		return fmt.Sprintf("reg(%d)", uint8(r))
	}
	return regNames[r]
}

// Name32 is the 32-bit alias of r (eax for rax).
func (r Reg) Name32() string {
	if !r.Valid() {
		return r.String()
	}
	return regNames32[r]
}
