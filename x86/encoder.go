package x86

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/colorfulnotion/jitski/jiterrors"
)

// modRM builds the ModRM byte [mod:2][reg:3][rm:3].
func modRM(mod byte, reg, rm Reg) byte {
	return mod<<6 | byte(reg&7)<<3 | byte(rm&7)
}

// sib builds the SIB byte [scale:2][index:3][base:3].
func sib(scale uint8, index, base Reg) byte {
	return scale<<6 | byte(index&7)<<3 | byte(base&7)
}

func rexW() byte { return X86_REX | X86_REX_W }

func encodeU32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// Rel32 returns the displacement that a 5-byte call or jump ending at next
// needs to reach target.
func Rel32(target, next uintptr) (int32, error) {
	d := int64(target - next)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, fmt.Errorf("target 0x%x from 0x%x (displacement %d): %w", target, next, d, jiterrors.ErrEncodingRange)
	}
	return int32(d), nil
}

func checkRegs(inst Instruction, regs ...Reg) error {
	for _, r := range regs {
		if !r.Valid() {
			return fmt.Errorf("%s: register %d: %w", inst.Op(), uint8(r), jiterrors.ErrUnsupportedOperand)
		}
	}
	return nil
}

// encodeInst returns the machine code of inst placed at pc.
func encodeInst(inst Instruction, pc uintptr) ([]byte, error) {
	switch i := inst.(type) {
	case Add:
		if err := checkRegs(i, i.Dst, i.Src); err != nil {
			return nil, err
		}
		return []byte{X86_OP_ADD_RM_R, modRM(X86_MOD_REGISTER, i.Src, i.Dst)}, nil

	case Add64Imm8:
		if err := checkRegs(i, i.Dst); err != nil {
			return nil, err
		}
		return []byte{rexW(), X86_OP_GROUP1_RM_IMM8, modRM(X86_MOD_REGISTER, X86_GROUP1_ADD, i.Dst), byte(i.Imm)}, nil

	case Sub64:
		if err := checkRegs(i, i.Dst, i.Src); err != nil {
			return nil, err
		}
		return []byte{rexW(), X86_OP_SUB_RM_R, modRM(X86_MOD_REGISTER, i.Src, i.Dst)}, nil

	case Mov:
		if err := checkRegs(i, i.Dst, i.Src); err != nil {
			return nil, err
		}
		return []byte{X86_OP_MOV_RM_R, modRM(X86_MOD_REGISTER, i.Src, i.Dst)}, nil

	case Mov64:
		if err := checkRegs(i, i.Dst, i.Src); err != nil {
			return nil, err
		}
		return []byte{rexW(), X86_OP_MOV_RM_R, modRM(X86_MOD_REGISTER, i.Src, i.Dst)}, nil

	case MovImm32:
		if err := checkRegs(i, i.Dst); err != nil {
			return nil, err
		}
		return append([]byte{X86_OP_MOV_RM_IMM, modRM(X86_MOD_REGISTER, 0, i.Dst)}, encodeU32(i.Imm)...), nil

	case MovImm64:
		if err := checkRegs(i, i.Dst); err != nil {
			return nil, err
		}
		return append([]byte{rexW(), X86_OP_MOV_R_IMM + byte(i.Dst)}, encodeU64(i.Imm)...), nil

	case Load64:
		if err := checkRegs(i, i.Dst, i.Base, i.Index); err != nil {
			return nil, err
		}
		// index=rsp means "no index" and base=rbp under mod=00 means disp32.
		if i.Scale > 3 || i.Index == RSP || i.Base == RBP {
			return nil, fmt.Errorf("%s: base %s index %s scale %d: %w", i.Op(), i.Base, i.Index, i.Scale, jiterrors.ErrUnsupportedOperand)
		}
		return []byte{rexW(), X86_OP_MOV_R_RM, modRM(X86_MOD_INDIRECT, i.Dst, X86_RM_SIB), sib(i.Scale, i.Index, i.Base)}, nil

	case Store32Disp8:
		if err := checkRegs(i, i.Base, i.Src); err != nil {
			return nil, err
		}
		// rm=rsp would announce a SIB byte.
		if i.Base == RSP {
			return nil, fmt.Errorf("%s: base %s: %w", i.Op(), i.Base, jiterrors.ErrUnsupportedOperand)
		}
		return []byte{X86_OP_MOV_RM_R, modRM(X86_MOD_INDIRECT_DISP8, i.Src, i.Base), byte(i.Disp)}, nil

	case Ret:
		return []byte{X86_OP_RET}, nil

	case Label:
		return nil, nil

	case Call:
		disp, err := Rel32(i.Target, pc+CallLen)
		if err != nil {
			return nil, fmt.Errorf("call at 0x%x: %w", pc, err)
		}
		return append([]byte{X86_OP_CALL_REL32}, encodeU32(uint32(disp))...), nil

	case CallReg:
		if err := checkRegs(i, i.Target); err != nil {
			return nil, err
		}
		return []byte{X86_OP_GROUP5_RM, modRM(X86_MOD_REGISTER, X86_GROUP5_CALL, i.Target)}, nil

	case Push:
		if err := checkRegs(i, i.Src); err != nil {
			return nil, err
		}
		return []byte{rexW(), X86_OP_PUSH_R + byte(i.Src)}, nil

	case Pop:
		if err := checkRegs(i, i.Dst); err != nil {
			return nil, err
		}
		return []byte{rexW(), X86_OP_POP_R + byte(i.Dst)}, nil

	case nil:
		return nil, fmt.Errorf("nil instruction: %w", jiterrors.ErrUnsupportedOperand)
	}
	return nil, fmt.Errorf("instruction %T: %w", inst, jiterrors.ErrUnsupportedOperand)
}

// Encode writes the machine code of inst, which will live at address pc, to
// dst and returns the number of bytes written. A Label writes nothing. On
// error dst is left untouched.
func Encode(dst []byte, pc uintptr, inst Instruction) (int, error) {
	code, err := encodeInst(inst, pc)
	if err != nil {
		return 0, err
	}
	if len(code) > len(dst) {
		return 0, fmt.Errorf("%s needs %d bytes, %d left: %w", inst.Op(), len(code), len(dst), jiterrors.ErrBufferOverflow)
	}
	return copy(dst, code), nil
}

// EncodedLen returns the encoded width of inst. Only the operands are
// checked; call displacements are checked when the address is known.
func EncodedLen(inst Instruction) (int, error) {
	if _, ok := inst.(Call); ok {
		return CallLen, nil
	}
	code, err := encodeInst(inst, 0)
	if err != nil {
		return 0, err
	}
	return len(code), nil
}

// Size returns the encoded width of the whole sequence.
func (s Sequence) Size() (int, error) {
	n := 0
	for idx, inst := range s {
		l, err := EncodedLen(inst)
		if err != nil {
			return 0, fmt.Errorf("instruction %d: %w", idx, err)
		}
		n += l
	}
	return n, nil
}
