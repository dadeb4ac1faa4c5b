package x86

// REX Prefix Constants
const (
	X86_REX   = 0x40 // REX prefix base
	X86_REX_W = 0x08 // REX.W - 64-bit operand size
)

// ModRM Mode Constants
const (
	X86_MOD_INDIRECT       = 0x00 // [reg] or SIB
	X86_MOD_INDIRECT_DISP8 = 0x01 // [reg + disp8]
	X86_MOD_REGISTER       = 0x03 // reg
)

// X86_RM_SIB in the rm field announces a SIB byte.
const X86_RM_SIB = 0b100

// Primary Opcodes
const (
	X86_OP_ADD_RM_R       = 0x01 // ADD r/m, r
	X86_OP_SUB_RM_R       = 0x29 // SUB r/m, r
	X86_OP_PUSH_R         = 0x50 // PUSH r64 (+ reg)
	X86_OP_POP_R          = 0x58 // POP r64 (+ reg)
	X86_OP_GROUP1_RM_IMM8 = 0x83 // Group 1 operations with imm8
	X86_OP_MOV_RM_R       = 0x89 // MOV r/m, r
	X86_OP_MOV_R_RM       = 0x8B // MOV r, r/m
	X86_OP_MOV_R_IMM      = 0xB8 // MOV r, imm64 (+ reg)
	X86_OP_RET            = 0xC3 // RET
	X86_OP_MOV_RM_IMM     = 0xC7 // MOV r/m, imm32
	X86_OP_CALL_REL32     = 0xE8 // CALL rel32
	X86_OP_GROUP5_RM      = 0xFF // Group 5 operations (INC, DEC, CALL, JMP, PUSH)
)

// ModRM reg-field selectors for group opcodes
const (
	X86_GROUP1_ADD  = 0 // 0x83 /0
	X86_GROUP5_CALL = 2 // 0xFF /2
)

// CallLen is the width of a direct call: opcode + rel32.
const CallLen = 5
