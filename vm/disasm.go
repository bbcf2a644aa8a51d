package svm

import (
	"fmt"
	"io"
	"strings"
)

// Disassemble writes a mnemonic listing of every function in the
// directory, one instruction per line with its byte offset.
func Disassemble(w io.Writer, p *Program) error {
	for _, f := range p.Funcs() {
		fmt.Fprintf(w, ".func %s %d\t; addr %d, %d bytes\n",
			f.Name(), f.FrameSize(), f.Addr(), f.CodeLen())
		pc := 0
		for f.HasMore(pc) {
			text, next, err := DisasmInstruction(f, pc)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%6d:\t%s\n", pc, text)
			pc = next
		}
	}
	return nil
}

// DisasmInstruction renders the instruction at pc and returns the offset
// of the next one. Walking a function this way doubles as a stream
// validity check: it consumes exactly the operand grammar.
func DisasmInstruction(a *AsmInfo, pc int) (string, int, error) {
	op, err := a.MoveU8(&pc)
	if err != nil {
		return "", 0, err
	}
	code := Bytecode(op)
	switch {
	case code.IsJumpOp():
		target, err := a.MoveU32(&pc)
		if err != nil {
			return "", 0, err
		}
		return fmt.Sprintf("%s %d", code, target), pc, nil
	case code == Call:
		word, err := a.MoveU32(&pc)
		if err != nil {
			return "", 0, err
		}
		kind, addr := unpackCall(word)
		if kind == CallBuiltIn {
			return fmt.Sprintf("call builtin:%d", addr), pc, nil
		}
		return fmt.Sprintf("call func:%d", addr), pc, nil
	case code == ST || code == LD:
		count, err := a.MoveU8(&pc)
		if err != nil {
			return "", 0, err
		}
		return fmt.Sprintf("%s %d", code, count), pc, nil
	case code == Pop || code == EndFunc || code.IsReserved():
		return code.String(), pc, nil
	case code == Inc || code == Dec || code == Push || code == Ret:
		operand, err := disasmOperand(a, &pc)
		if err != nil {
			return "", 0, err
		}
		return fmt.Sprintf("%s %s", code, operand), pc, nil
	case code.IsBinaryOp():
		first, err := disasmOperand(a, &pc)
		if err != nil {
			return "", 0, err
		}
		second, err := disasmOperand(a, &pc)
		if err != nil {
			return "", 0, err
		}
		return fmt.Sprintf("%s %s, %s", code, first, second), pc, nil
	default:
		return "", 0, fmt.Errorf("%w: 0x%02X at pc %d", ErrUnknownOpcode, op, pc-1)
	}
}

func disasmOperand(a *AsmInfo, pc *int) (string, error) {
	tag, err := a.MoveU8(pc)
	if err != nil {
		return "", err
	}
	switch Location(tag) {
	case LitValue:
		n, err := a.MoveDouble(pc)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%g", n), nil
	case LitString:
		s, err := a.MoveString(pc)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%q", s), nil
	case RegRef:
		idx, err := a.MoveU8(pc)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("r%d", idx), nil
	case MemLocal, MemStatic:
		terms, err := disasmAddr(a, pc)
		if err != nil {
			return "", err
		}
		if Location(tag) == MemLocal {
			return "local[" + terms + "]", nil
		}
		return "static[" + terms + "]", nil
	default:
		return "", fmt.Errorf("%w: location tag 0x%02X", ErrDecode, tag)
	}
}

func disasmAddr(a *AsmInfo, pc *int) (string, error) {
	count, err := a.MoveU32(pc)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		isArray, err := a.MoveU8(pc)
		if err != nil {
			return "", err
		}
		if _, err := a.MoveU8(pc); err != nil { // ref flag
			return "", err
		}
		base, err := a.MoveU32(pc)
		if err != nil {
			return "", err
		}
		if isArray == 0 {
			parts = append(parts, fmt.Sprintf("%d", base))
			continue
		}
		elemSize, err := a.MoveU32(pc)
		if err != nil {
			return "", err
		}
		regIdx, err := a.MoveU32(pc)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("%d + %d*r%d", base, elemSize, regIdx))
	}
	return strings.Join(parts, ", "), nil
}
