package x86

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders code, loaded at pc, as an address/bytes/mnemonic listing.
func Disassemble(code []byte, pc uintptr) string {
	var sb strings.Builder
	offset := 0

	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%x: db 0x%02x\n", pc+uintptr(offset), code[offset]))
			offset++
			continue
		}
		length := inst.Len

		var hexBytes []string
		for i := 0; i < length; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		sb.WriteString(fmt.Sprintf(
			"0x%x: %-30s %s\n",
			pc+uintptr(offset),
			strings.Join(hexBytes, " "),
			x86asm.IntelSyntax(inst, uint64(pc)+uint64(offset), nil),
		))

		offset += length
	}

	return sb.String()
}
