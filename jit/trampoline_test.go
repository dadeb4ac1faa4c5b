package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/jitski/jiterrors"
	"github.com/colorfulnotion/jitski/x86"
)

func TestTrampolineSequence(t *testing.T) {
	seq := TrampolineSequence(0x1122334455667788, 42)
	size, err := seq.Size()
	require.NoError(t, err)

	code := make([]byte, size)
	l, err := x86.Assemble(code, 0x4000, seq)
	require.NoError(t, err)
	assert.Equal(t, 0, l.Labels["trampoline"])
	assert.Empty(t, l.Calls, "the resolver is reached through a register")

	want := []x86asm.Op{
		x86asm.POP, x86asm.PUSH, x86asm.PUSH,
		x86asm.MOV, x86asm.MOV, x86asm.MOV, x86asm.MOV,
		x86asm.CALL,
		x86asm.POP, x86asm.POP,
		x86asm.ADD, x86asm.PUSH, x86asm.RET,
	}
	var got []x86asm.Op
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		require.NoError(t, err)
		got = append(got, inst.Op)
		off += inst.Len
	}
	assert.Equal(t, want, got)

	// the return address is rewound by exactly one call width
	assert.Contains(t, seq.String(), "add rcx, -5")
	assert.Contains(t, seq.String(), "mov rax, 0x1122334455667788")
}

func TestLazyCallSequence(t *testing.T) {
	seq, err := LazyCallSequence(0x4000, 7)
	require.NoError(t, err)
	assert.Equal(t, x86.Sequence{
		x86.MovImm32{Dst: IDReg, Imm: 7},
		x86.Call{Target: 0x4000},
	}, seq)

	seq, err = LazyCallSequence(0x4000, 7, x86.RDI)
	require.NoError(t, err)
	assert.Len(t, seq, 2)

	// the argument is copied before the id register is loaded
	seq, err = LazyCallSequence(0x4000, 7, x86.RSI)
	require.NoError(t, err)
	assert.Equal(t, x86.Mov64{Dst: ArgReg, Src: x86.RSI}, seq[0])
	assert.Equal(t, x86.MovImm32{Dst: IDReg, Imm: 7}, seq[1])
}

func TestLazyCallSequenceErrors(t *testing.T) {
	_, err := LazyCallSequence(0x4000, 1, x86.RDI, x86.RSI)
	assert.ErrorIs(t, err, jiterrors.ErrTooManyArguments)
	assert.Equal(t, "C1", jiterrors.GetErrorCode(err))

	_, err = LazyCallSequence(0x4000, -1)
	assert.ErrorIs(t, err, jiterrors.ErrLookupOutOfRange)
}

func TestLazyEntrySequence(t *testing.T) {
	seq, err := lazyEntrySequence(0x4000, 3)
	require.NoError(t, err)
	code := make([]byte, 32)
	l, err := x86.Assemble(code, 0x8000, seq)
	require.NoError(t, err)
	assert.Equal(t, 0, l.Labels["lazy.f3"])
	require.Len(t, l.Calls, 1)
	assert.Equal(t, uintptr(0x8008), l.Calls[0].Addr)
	assert.Equal(t, []byte{
		0x48, 0x53, // push rbx
		0xC7, 0xC6, 0x03, 0x00, 0x00, 0x00, // mov esi, 3
		0xE8, 0xF3, 0xBF, 0xFF, 0xFF, // call 0x4000
		0x48, 0x5B, // pop rbx
		0xC3,
	}, code[:l.Size])
}
