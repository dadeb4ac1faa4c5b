package jit

import (
	"github.com/colorfulnotion/jitski/x86"
)

// ConstSequence returns a function that ignores its argument and returns v.
func ConstSequence(name string, v uint32) x86.Sequence {
	return x86.Sequence{
		x86.Label{Name: name},
		x86.MovImm32{Dst: x86.RAX, Imm: v},
		x86.Ret{},
	}
}

// IncSequence returns a function that returns its argument plus d.
func IncSequence(name string, d int8) x86.Sequence {
	return x86.Sequence{
		x86.Label{Name: name},
		x86.Mov64{Dst: x86.RAX, Src: x86.RDI},
		x86.Add64Imm8{Dst: x86.RAX, Imm: d},
		x86.Ret{},
	}
}

// AddCallSequence returns a function computing callee() + arg in 32 bits,
// reaching callee through a lazy call site. RBX carries the argument
// across the call; pushing it also aligns the site.
func (e *Engine) AddCallSequence(name string, callee int) (x86.Sequence, error) {
	site, err := e.LazyCall(callee)
	if err != nil {
		return nil, err
	}
	seq := x86.Sequence{
		x86.Label{Name: name},
		x86.Push{Src: x86.RBX},
		x86.Mov64{Dst: x86.RBX, Src: x86.RDI},
	}
	seq = append(seq, site...)
	return append(seq,
		x86.Add{Dst: x86.RAX, Src: x86.RBX},
		x86.Pop{Dst: x86.RBX},
		x86.Ret{},
	), nil
}

// ForwardSequence returns a function that passes its argument to callee
// through a lazy call site and returns callee's result.
func (e *Engine) ForwardSequence(name string, callee int) (x86.Sequence, error) {
	site, err := e.LazyCall(callee, x86.RDI)
	if err != nil {
		return nil, err
	}
	seq := x86.Sequence{x86.Label{Name: name}, x86.Push{Src: x86.RBX}}
	seq = append(seq, site...)
	return append(seq, x86.Pop{Dst: x86.RBX}, x86.Ret{}), nil
}

// RegisterDemo registers g, which returns 10, and f, which returns g()
// plus its argument through a lazy call site. f(3) is 13.
func (e *Engine) RegisterDemo(f, g int) error {
	if err := e.Register(g, ConstSequence("g", 10)); err != nil {
		return err
	}
	seq, err := e.AddCallSequence("f", g)
	if err != nil {
		return err
	}
	return e.Register(f, seq)
}
