package svm

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

/*
	Text assembly format, one function per section:

		.func main 2		; name and frame size
			mov local[0], 10.0
			push local[0]
			call fact		; script functions and host builtins by name
			mov static[4], r0
		loop:
			jz loop			; labels resolve to byte offsets
			end

	Operands:
			1.5  -2  0x10	numeric literal (always a float64 on the wire)
			"text\n"		string literal
			r0 .. r15		register
			local[2]		local cell, frame relative
			static[7 + 4*r2, 1]	composite address, comma-separated terms

	Comments run from ';' or '//' to end of line. The upstream compiler
	emits this module's bytecode directly; this assembler exists so tools
	and tests can produce programs without it.
*/

type srcLine struct {
	num  int
	text string
}

type funcSrc struct {
	name  string
	frame int
	body  []srcLine
}

// Assemble builds a program directory from assembly source. Builtin call
// targets are resolved against the given table, which may be nil when the
// source calls no host functions.
func Assemble(source string, builtIn *BuiltIn) (*Program, error) {
	return assembleLines(strings.Split(source, "\n"), builtIn)
}

// AssembleFiles concatenates the given files and assembles them as one
// source, so a program may be split across files.
func AssembleFiles(builtIn *BuiltIn, files ...string) (*Program, error) {
	var lines []string
	for _, name := range files {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, err
		}
		lines = append(lines, strings.Split(string(data), "\n")...)
	}
	return assembleLines(lines, builtIn)
}

func assembleLines(lines []string, builtIn *BuiltIn) (*Program, error) {
	funcs, err := splitFunctions(lines)
	if err != nil {
		return nil, err
	}
	if len(funcs) == 0 {
		return nil, fmt.Errorf("no .func sections in source")
	}

	funcAddrs := make(map[string]int, len(funcs))
	for i, f := range funcs {
		if _, ok := funcAddrs[f.name]; ok {
			return nil, fmt.Errorf("duplicate function %q", f.name)
		}
		funcAddrs[f.name] = i
	}

	units := make([]*AsmInfo, 0, len(funcs))
	for i, f := range funcs {
		code, err := encodeFunc(f, funcAddrs, builtIn)
		if err != nil {
			return nil, err
		}
		units = append(units, NewAsmInfo(f.name, i, f.frame, code))
	}
	return NewProgram(units...)
}

// splitFunctions is the preprocess pass: strip comments and whitespace,
// then group lines under their .func headers.
func splitFunctions(lines []string) ([]*funcSrc, error) {
	var funcs []*funcSrc
	var current *funcSrc
	for i, raw := range lines {
		line := strings.TrimSpace(stripComment(raw))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ".func") {
			fields := strings.Fields(line)
			if len(fields) != 3 {
				return nil, fmt.Errorf("line %d: want .func <name> <framesize>", i+1)
			}
			frame, err := strconv.Atoi(fields[2])
			if err != nil || frame < 0 {
				return nil, fmt.Errorf("line %d: bad frame size %q", i+1, fields[2])
			}
			current = &funcSrc{name: fields[1], frame: frame}
			funcs = append(funcs, current)
			continue
		}
		if current == nil {
			return nil, fmt.Errorf("line %d: instruction before any .func", i+1)
		}
		current.body = append(current.body, srcLine{num: i + 1, text: line})
	}
	return funcs, nil
}

// stripComment cuts ';' and '//' comments, leaving string literals intact.
func stripComment(line string) string {
	inString := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
		case c == ';':
			return line[:i]
		case c == '/' && i+1 < len(line) && line[i+1] == '/':
			return line[:i]
		}
	}
	return line
}

type patch struct {
	pos   int
	label string
	line  int
}

// encoder accumulates one function's byte stream.
type encoder struct {
	b []byte
}

func (e *encoder) emitU8(v byte) {
	e.b = append(e.b, v)
}

func (e *encoder) emitU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	e.b = append(e.b, buf[:]...)
}

func (e *encoder) emitDouble(v float64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	e.b = append(e.b, buf[:]...)
}

func (e *encoder) emitString(s string) {
	e.emitU32(uint32(len(s)))
	e.b = append(e.b, s...)
}

func encodeFunc(f *funcSrc, funcAddrs map[string]int, builtIn *BuiltIn) ([]byte, error) {
	enc := &encoder{}
	labels := make(map[string]int)
	var patches []patch

	for _, line := range f.body {
		// Label definition
		if strings.HasSuffix(line.text, ":") && len(strings.Fields(line.text)) == 1 {
			label := strings.TrimSuffix(line.text, ":")
			if _, ok := labels[label]; ok {
				return nil, fmt.Errorf("line %d: duplicate label %q", line.num, label)
			}
			labels[label] = len(enc.b)
			continue
		}

		mnemonic, rest := line.text, ""
		if i := strings.IndexAny(line.text, " \t"); i >= 0 {
			mnemonic, rest = line.text[:i], line.text[i+1:]
		}
		code, ok := strToInstrMap[mnemonic]
		if !ok {
			return nil, fmt.Errorf("line %d: unknown mnemonic %q", line.num, mnemonic)
		}
		args := splitOperands(rest)

		switch {
		case code.IsJumpOp():
			if len(args) != 1 {
				return nil, fmt.Errorf("line %d: %s wants a label", line.num, code)
			}
			enc.emitU8(byte(code))
			patches = append(patches, patch{pos: len(enc.b), label: args[0], line: line.num})
			enc.emitU32(0)
		case code == Call:
			if len(args) != 1 {
				return nil, fmt.Errorf("line %d: call wants a function name", line.num)
			}
			word, err := resolveCall(args[0], funcAddrs, builtIn)
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", line.num, err)
			}
			enc.emitU8(byte(code))
			enc.emitU32(word)
		case code == ST || code == LD:
			if len(args) != 1 {
				return nil, fmt.Errorf("line %d: %s wants a register count", line.num, code)
			}
			count, err := strconv.Atoi(args[0])
			if err != nil || count < 0 || count > NumRegisters {
				return nil, fmt.Errorf("line %d: bad register count %q", line.num, args[0])
			}
			enc.emitU8(byte(code))
			enc.emitU8(byte(count))
		case code == Pop || code == EndFunc || code.IsReserved():
			if len(args) != 0 {
				return nil, fmt.Errorf("line %d: %s takes no operands", line.num, code)
			}
			enc.emitU8(byte(code))
		case code == Inc || code == Dec || code == Push || code == Ret:
			if len(args) != 1 {
				return nil, fmt.Errorf("line %d: %s wants one operand", line.num, code)
			}
			enc.emitU8(byte(code))
			if err := encodeOperand(enc, args[0]); err != nil {
				return nil, fmt.Errorf("line %d: %v", line.num, err)
			}
		case code.IsBinaryOp():
			if len(args) != 2 {
				return nil, fmt.Errorf("line %d: %s wants two operands", line.num, code)
			}
			enc.emitU8(byte(code))
			for _, a := range args {
				if err := encodeOperand(enc, a); err != nil {
					return nil, fmt.Errorf("line %d: %v", line.num, err)
				}
			}
		default:
			return nil, fmt.Errorf("line %d: %s is not encodable", line.num, code)
		}
	}

	for _, p := range patches {
		target, ok := labels[p.label]
		if !ok {
			return nil, fmt.Errorf("line %d: unknown label %q", p.line, p.label)
		}
		binary.LittleEndian.PutUint32(enc.b[p.pos:], uint32(target))
	}
	return enc.b, nil
}

func resolveCall(name string, funcAddrs map[string]int, builtIn *BuiltIn) (uint32, error) {
	if addr, ok := funcAddrs[name]; ok {
		return packCall(CallScript, addr), nil
	}
	if builtIn != nil {
		if idx, ok := builtIn.FindIndex(name); ok {
			return packCall(CallBuiltIn, idx), nil
		}
	}
	return 0, fmt.Errorf("unknown call target %q", name)
}

// splitOperands splits on commas outside string literals and brackets.
func splitOperands(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var args []string
	depth, start := 0, 0
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	args = append(args, strings.TrimSpace(s[start:]))
	return args
}

func encodeOperand(enc *encoder, text string) error {
	switch {
	case strings.HasPrefix(text, "\""):
		s, err := unquoteString(text)
		if err != nil {
			return err
		}
		enc.emitU8(byte(LitString))
		enc.emitString(s)
		return nil
	case isRegister(text):
		idx, _ := strconv.Atoi(text[1:])
		if idx >= NumRegisters {
			return fmt.Errorf("register %s out of range", text)
		}
		enc.emitU8(byte(RegRef))
		enc.emitU8(byte(idx))
		return nil
	case strings.HasPrefix(text, "local[") && strings.HasSuffix(text, "]"):
		return encodeMem(enc, MemLocal, text[len("local["):len(text)-1])
	case strings.HasPrefix(text, "static[") && strings.HasSuffix(text, "]"):
		return encodeMem(enc, MemStatic, text[len("static["):len(text)-1])
	default:
		n, err := parseNumber(text)
		if err != nil {
			return fmt.Errorf("bad operand %q", text)
		}
		enc.emitU8(byte(LitValue))
		enc.emitDouble(n)
		return nil
	}
}

func isRegister(text string) bool {
	if len(text) < 2 || text[0] != 'r' {
		return false
	}
	for i := 1; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return false
		}
	}
	return true
}

func parseNumber(text string) (float64, error) {
	// Check for hex values
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "-0x") {
		neg := strings.HasPrefix(text, "-")
		n, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(text, "-"), "0x"), 16, 64)
		if err != nil {
			return 0, err
		}
		if neg {
			return -float64(n), nil
		}
		return float64(n), nil
	}
	return strconv.ParseFloat(text, 64)
}

// encodeMem emits a composite address: term count, then each term as
// (isArray, isRef, base) plus (elemSize, indexRegister) for array terms.
// The assembler always emits a zero ref flag.
func encodeMem(enc *encoder, loc Location, inner string) error {
	terms := strings.Split(inner, ",")
	enc.emitU8(byte(loc))
	enc.emitU32(uint32(len(terms)))
	for _, term := range terms {
		basePart, arrayPart, isArray := strings.Cut(term, "+")
		base, err := strconv.Atoi(strings.TrimSpace(basePart))
		if err != nil || base < 0 {
			return fmt.Errorf("bad address term %q", strings.TrimSpace(term))
		}
		if !isArray {
			enc.emitU8(0)
			enc.emitU8(0)
			enc.emitU32(uint32(base))
			continue
		}
		elemPart, regPart, ok := strings.Cut(arrayPart, "*")
		if !ok {
			return fmt.Errorf("bad array term %q: want base + size*rN", strings.TrimSpace(term))
		}
		elem, err := strconv.Atoi(strings.TrimSpace(elemPart))
		if err != nil || elem < 0 {
			return fmt.Errorf("bad element size in %q", strings.TrimSpace(term))
		}
		regText := strings.TrimSpace(regPart)
		if !isRegister(regText) {
			return fmt.Errorf("bad index register in %q", strings.TrimSpace(term))
		}
		reg, _ := strconv.Atoi(regText[1:])
		if reg >= NumRegisters {
			return fmt.Errorf("index register %s out of range", regText)
		}
		enc.emitU8(1)
		enc.emitU8(0)
		enc.emitU32(uint32(base))
		enc.emitU32(uint32(elem))
		enc.emitU32(uint32(reg))
	}
	return nil
}

func unquoteString(text string) (string, error) {
	if len(text) < 2 || !strings.HasSuffix(text, "\"") {
		return "", fmt.Errorf("unterminated string %s", text)
	}
	body := text[1 : len(text)-1]
	var sb strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		i++
		if i >= len(body) {
			return "", fmt.Errorf("dangling escape in %s", text)
		}
		switch body[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case '"':
			sb.WriteByte('"')
		case '\\':
			sb.WriteByte('\\')
		default:
			return "", fmt.Errorf("unknown escape \\%c", body[i])
		}
	}
	return sb.String(), nil
}
