package x86

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/jitski/jiterrors"
)

type encodeFixture struct {
	name string
	inst Instruction
	pc   uintptr
	want []byte
	op   x86asm.Op // 0 for zero-length instructions
}

var encodeFixtures = []encodeFixture{
	{"add eax, ebx", Add{Dst: RAX, Src: RBX}, 0, []byte{0x01, 0xD8}, x86asm.ADD},
	{"add rdi, -5", Add64Imm8{Dst: RDI, Imm: -5}, 0, []byte{0x48, 0x83, 0xC7, 0xFB}, x86asm.ADD},
	{"sub rax, rdi", Sub64{Dst: RAX, Src: RDI}, 0, []byte{0x48, 0x29, 0xF8}, x86asm.SUB},
	{"mov ebx, edi", Mov{Dst: RBX, Src: RDI}, 0, []byte{0x89, 0xFB}, x86asm.MOV},
	{"mov rbx, rdi", Mov64{Dst: RBX, Src: RDI}, 0, []byte{0x48, 0x89, 0xFB}, x86asm.MOV},
	{"mov eax, 10", MovImm32{Dst: RAX, Imm: 10}, 0, []byte{0xC7, 0xC0, 0x0A, 0x00, 0x00, 0x00}, x86asm.MOV},
	{"mov esi, 0x01020304", MovImm32{Dst: RSI, Imm: 0x01020304}, 0, []byte{0xC7, 0xC6, 0x04, 0x03, 0x02, 0x01}, x86asm.MOV},
	{"mov rax, imm64", MovImm64{Dst: RAX, Imm: 0x1122334455667788}, 0,
		[]byte{0x48, 0xB8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, x86asm.MOV},
	{"mov rsi, imm64", MovImm64{Dst: RSI, Imm: 1}, 0,
		[]byte{0x48, 0xBE, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, x86asm.MOV},
	{"mov rax, [rdi+rsi*8]", Load64{Dst: RAX, Base: RDI, Index: RSI, Scale: 3}, 0, []byte{0x48, 0x8B, 0x04, 0xF7}, x86asm.MOV},
	{"mov rdx, [rax+rcx]", Load64{Dst: RDX, Base: RAX, Index: RCX, Scale: 0}, 0, []byte{0x48, 0x8B, 0x14, 0x08}, x86asm.MOV},
	{"mov [rdi-4], eax", Store32Disp8{Base: RDI, Disp: -4, Src: RAX}, 0, []byte{0x89, 0x47, 0xFC}, x86asm.MOV},
	{"mov [rcx-4], eax", Store32Disp8{Base: RCX, Disp: -4, Src: RAX}, 0, []byte{0x89, 0x41, 0xFC}, x86asm.MOV},
	{"ret", Ret{}, 0, []byte{0xC3}, x86asm.RET},
	{"call forward", Call{Target: 0x2000}, 0x1000, []byte{0xE8, 0xFB, 0x0F, 0x00, 0x00}, x86asm.CALL},
	{"call backward", Call{Target: 0x1000}, 0x2000, []byte{0xE8, 0xFB, 0xEF, 0xFF, 0xFF}, x86asm.CALL},
	{"call rax", CallReg{Target: RAX}, 0, []byte{0xFF, 0xD0}, x86asm.CALL},
	{"push rbx", Push{Src: RBX}, 0, []byte{0x48, 0x53}, x86asm.PUSH},
	{"pop rdi", Pop{Dst: RDI}, 0, []byte{0x48, 0x5F}, x86asm.POP},
	{"label", Label{Name: "f"}, 0, []byte{}, 0},
}

func TestEncodeFixtures(t *testing.T) {
	for _, fx := range encodeFixtures {
		t.Run(fx.name, func(t *testing.T) {
			buf := make([]byte, 16)
			n, err := Encode(buf, fx.pc, fx.inst)
			require.NoError(t, err)
			assert.Equal(t, fx.want, buf[:n])

			l, err := EncodedLen(fx.inst)
			require.NoError(t, err)
			assert.Equal(t, len(fx.want), l)
		})
	}
}

// The host decoder must read every fixture back as one instruction of the same width.
func TestEncodeFixturesDecode(t *testing.T) {
	for _, fx := range encodeFixtures {
		if len(fx.want) == 0 {
			continue
		}
		t.Run(fx.name, func(t *testing.T) {
			inst, err := x86asm.Decode(fx.want, 64)
			require.NoError(t, err)
			assert.Equal(t, len(fx.want), inst.Len)
			assert.Equal(t, fx.op, inst.Op)
		})
	}
}

func TestEncodeCallOutOfRange(t *testing.T) {
	pc := uintptr(0x10000)
	cases := []uintptr{
		pc + CallLen + 1<<31,       // one past MaxInt32
		pc + CallLen - (1<<31 + 1), // one before MinInt32
	}
	for _, target := range cases {
		buf := bytes.Repeat([]byte{0xAA}, 8)
		n, err := Encode(buf, pc, Call{Target: target})
		assert.ErrorIs(t, err, jiterrors.ErrEncodingRange)
		assert.Equal(t, 0, n)
		assert.Equal(t, bytes.Repeat([]byte{0xAA}, 8), buf, "no bytes may be written")
	}

	// Both ends of the signed range still encode.
	for _, target := range []uintptr{pc + CallLen + (1<<31 - 1), pc + CallLen - 1<<31} {
		buf := make([]byte, 8)
		_, err := Encode(buf, pc, Call{Target: target})
		assert.NoError(t, err)
	}
}

func TestEncodeUnsupportedOperand(t *testing.T) {
	bad := []Instruction{
		Push{Src: Reg(8)},
		Pop{Dst: Reg(15)},
		Add{Dst: RAX, Src: Reg(9)},
		MovImm64{Dst: Reg(12), Imm: 1},
		Load64{Dst: RAX, Base: RDI, Index: RSI, Scale: 4},
		Load64{Dst: RAX, Base: RDI, Index: RSP, Scale: 0},
		Load64{Dst: RAX, Base: RBP, Index: RSI, Scale: 0},
		Store32Disp8{Base: RSP, Disp: 8, Src: RAX},
		CallReg{Target: Reg(10)},
		nil,
	}
	for _, inst := range bad {
		buf := make([]byte, 16)
		n, err := Encode(buf, 0, inst)
		assert.ErrorIs(t, err, jiterrors.ErrUnsupportedOperand, "%v", inst)
		assert.Equal(t, 0, n)
		assert.Equal(t, make([]byte, 16), buf)
	}
}

func TestEncodeBufferOverflow(t *testing.T) {
	buf := make([]byte, 4)
	n, err := Encode(buf, 0, MovImm64{Dst: RAX, Imm: 42})
	assert.ErrorIs(t, err, jiterrors.ErrBufferOverflow)
	assert.Equal(t, 0, n)
	assert.Equal(t, make([]byte, 4), buf)
}

func TestRel32(t *testing.T) {
	d, err := Rel32(0x1000, 0x1005)
	require.NoError(t, err)
	assert.Equal(t, int32(-5), d)

	_, err = Rel32(0x7fff_0000_0000, 0x1000)
	assert.ErrorIs(t, err, jiterrors.ErrEncodingRange)
}

func TestInstructionStrings(t *testing.T) {
	seq := Sequence{
		Label{Name: "f"},
		Mov64{Dst: RBX, Src: RDI},
		Store32Disp8{Base: RCX, Disp: -4, Src: RAX},
		Load64{Dst: RAX, Base: RDI, Index: RSI, Scale: 3},
		Ret{},
	}
	assert.Equal(t, "f:\n\tmov rbx, rdi\n\tmov dword ptr [rcx-4], eax\n\tmov rax, qword ptr [rdi+rsi*8]\n\tret\n", seq.String())
	assert.Equal(t, "store32_disp8", OpStore32Disp8.String())
	assert.Equal(t, "reg(9)", Reg(9).String())
}
