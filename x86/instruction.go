package x86

import "fmt"

// Op tags an Instruction variant.
type Op uint8

const (
	OpAdd Op = iota
	OpAdd64Imm8
	OpSub64
	OpMov
	OpMov64
	OpMovImm32
	OpMovImm64
	OpLoad64
	OpStore32Disp8
	OpRet
	OpLabel
	OpCall
	OpCallReg
	OpPush
	OpPop
)

var opNames = [...]string{
	OpAdd:          "add",
	OpAdd64Imm8:    "add64_imm8",
	OpSub64:        "sub64",
	OpMov:          "mov",
	OpMov64:        "mov64",
	OpMovImm32:     "mov_imm32",
	OpMovImm64:     "mov_imm64",
	OpLoad64:       "load64",
	OpStore32Disp8: "store32_disp8",
	OpRet:          "ret",
	OpLabel:        "label",
	OpCall:         "call",
	OpCallReg:      "call_reg",
	OpPush:         "push",
	OpPop:          "pop",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Instruction is one of the variants below. The set is closed: only this
// package can add a variant, and only together with its encoding rule.
type Instruction interface {
	Op() Op
	String() string
	isInstruction()
}

// Sequence is one function or trampoline body. The first instruction is the
// entry point; the slice length marks the end.
type Sequence []Instruction

// Add is the 32-bit register add: dst += src.
type Add struct{ Dst, Src Reg }

// Add64Imm8 adds a sign-extended 8-bit immediate to a 64-bit register.
type Add64Imm8 struct {
	Dst Reg
	Imm int8
}

// Sub64 is the 64-bit register subtract: dst -= src.
type Sub64 struct{ Dst, Src Reg }

// Mov is the 32-bit register move (zero-extends into the full register).
type Mov struct{ Dst, Src Reg }

// Mov64 is the 64-bit register move.
type Mov64 struct{ Dst, Src Reg }

// MovImm32 loads a 32-bit immediate.
type MovImm32 struct {
	Dst Reg
	Imm uint32
}

// MovImm64 loads a 64-bit immediate.
type MovImm64 struct {
	Dst Reg
	Imm uint64
}

// Load64 reads 64 bits from [Base + Index<<Scale]. Scale is the raw 2-bit
// SIB field (0..3 for factors 1, 2, 4, 8).
type Load64 struct {
	Dst   Reg
	Base  Reg
	Index Reg
	Scale uint8
}

// Store32Disp8 writes the low 32 bits of Src to [Base + Disp].
type Store32Disp8 struct {
	Base Reg
	Disp int8
	Src  Reg
}

type Ret struct{}

// Label marks a position by name and encodes to nothing.
type Label struct{ Name string }

// Call is a direct rel32 call to an absolute address, resolved at encode time.
type Call struct{ Target uintptr }

// CallReg calls the address held in a register.
type CallReg struct{ Target Reg }

type Push struct{ Src Reg }

type Pop struct{ Dst Reg }

func (Add) Op() Op          { return OpAdd }
func (Add64Imm8) Op() Op    { return OpAdd64Imm8 }
func (Sub64) Op() Op        { return OpSub64 }
func (Mov) Op() Op          { return OpMov }
func (Mov64) Op() Op        { return OpMov64 }
func (MovImm32) Op() Op     { return OpMovImm32 }
func (MovImm64) Op() Op     { return OpMovImm64 }
func (Load64) Op() Op       { return OpLoad64 }
func (Store32Disp8) Op() Op { return OpStore32Disp8 }
func (Ret) Op() Op          { return OpRet }
func (Label) Op() Op        { return OpLabel }
func (Call) Op() Op         { return OpCall }
func (CallReg) Op() Op      { return OpCallReg }
func (Push) Op() Op         { return OpPush }
func (Pop) Op() Op          { return OpPop }

func (Add) isInstruction()          {}
func (Add64Imm8) isInstruction()    {}
func (Sub64) isInstruction()        {}
func (Mov) isInstruction()          {}
func (Mov64) isInstruction()        {}
func (MovImm32) isInstruction()     {}
func (MovImm64) isInstruction()     {}
func (Load64) isInstruction()       {}
func (Store32Disp8) isInstruction() {}
func (Ret) isInstruction()          {}
func (Label) isInstruction()        {}
func (Call) isInstruction()         {}
func (CallReg) isInstruction()      {}
func (Push) isInstruction()         {}
func (Pop) isInstruction()          {}

func (i Add) String() string   { return fmt.Sprintf("add %s, %s", i.Dst.Name32(), i.Src.Name32()) }
func (i Sub64) String() string { return fmt.Sprintf("sub %s, %s", i.Dst, i.Src) }
func (i Mov) String() string   { return fmt.Sprintf("mov %s, %s", i.Dst.Name32(), i.Src.Name32()) }
func (i Mov64) String() string { return fmt.Sprintf("mov %s, %s", i.Dst, i.Src) }
func (i Ret) String() string   { return "ret" }
func (i Push) String() string  { return fmt.Sprintf("push %s", i.Src) }
func (i Pop) String() string   { return fmt.Sprintf("pop %s", i.Dst) }

func (i Add64Imm8) String() string {
	return fmt.Sprintf("add %s, %d", i.Dst, i.Imm)
}

func (i MovImm32) String() string {
	return fmt.Sprintf("mov %s, 0x%x", i.Dst.Name32(), i.Imm)
}

func (i MovImm64) String() string {
	return fmt.Sprintf("mov %s, 0x%x", i.Dst, i.Imm)
}

func (i Load64) String() string {
	return fmt.Sprintf("mov %s, qword ptr [%s+%s*%d]", i.Dst, i.Base, i.Index, 1<<(i.Scale&3))
}

func (i Store32Disp8) String() string {
	return fmt.Sprintf("mov dword ptr [%s%+d], %s", i.Base, i.Disp, i.Src.Name32())
}

func (i Label) String() string   { return i.Name + ":" }
func (i Call) String() string    { return fmt.Sprintf("call 0x%x", i.Target) }
func (i CallReg) String() string { return fmt.Sprintf("call %s", i.Target) }

// String renders the sequence one instruction per line.
func (s Sequence) String() string {
	out := ""
	for _, inst := range s {
		if inst.Op() != OpLabel {
			out += "\t"
		}
		out += inst.String() + "\n"
	}
	return out
}
