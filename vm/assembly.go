package svm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// AsmInfo is the compiled body of a single script function: an immutable
// byte-addressed instruction stream plus the frame metadata the driver
// needs to run it. The cursor-advancing read methods consume exactly the
// bytes they report; the stream is little endian throughout.
type AsmInfo struct {
	name      string
	addr      int
	frameSize int
	code      []byte
}

func NewAsmInfo(name string, addr, frameSize int, code []byte) *AsmInfo {
	return &AsmInfo{
		name:      name,
		addr:      addr,
		frameSize: frameSize,
		code:      code,
	}
}

func (a *AsmInfo) Name() string {
	return a.name
}

// Addr is the function's slot in the program directory, which is also the
// address half of a packed call word targeting it.
func (a *AsmInfo) Addr() int {
	return a.addr
}

// FrameSize is the fixed local-slot width this function reserves.
func (a *AsmInfo) FrameSize() int {
	return a.frameSize
}

func (a *AsmInfo) CodeLen() int {
	return len(a.code)
}

func (a *AsmInfo) HasMore(pc int) bool {
	return pc >= 0 && pc < len(a.code)
}

func (a *AsmInfo) checkRead(pc *int, n int) error {
	if *pc < 0 || *pc+n > len(a.code) {
		return fmt.Errorf("%w: read of %d bytes at pc %d (function %q, %d bytes)",
			ErrDecode, n, *pc, a.name, len(a.code))
	}
	return nil
}

// MoveU8 reads one byte at the cursor and advances it.
func (a *AsmInfo) MoveU8(pc *int) (byte, error) {
	if err := a.checkRead(pc, 1); err != nil {
		return 0, err
	}
	b := a.code[*pc]
	*pc++
	return b, nil
}

// MoveU32 reads a little-endian u32 at the cursor and advances it by 4.
func (a *AsmInfo) MoveU32(pc *int) (uint32, error) {
	if err := a.checkRead(pc, 4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(a.code[*pc:])
	*pc += 4
	return v, nil
}

// MoveDouble reads a little-endian float64 at the cursor and advances it by 8.
func (a *AsmInfo) MoveDouble(pc *int) (float64, error) {
	if err := a.checkRead(pc, 8); err != nil {
		return 0, err
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(a.code[*pc:]))
	*pc += 8
	return v, nil
}

// MoveString reads a u32 length prefix and that many bytes, advancing the
// cursor past both.
func (a *AsmInfo) MoveString(pc *int) (string, error) {
	n, err := a.MoveU32(pc)
	if err != nil {
		return "", err
	}
	if err := a.checkRead(pc, int(n)); err != nil {
		return "", err
	}
	s := string(a.code[*pc : *pc+int(n)])
	*pc += int(n)
	return s, nil
}

// AssemblyReader resolves a function address or name to its code unit. The
// driver treats the directory behind it as an immutable snapshot: it must
// be fully populated before execution starts.
type AssemblyReader interface {
	AssemblyAt(addr int) *AsmInfo
	AssemblyByName(name string) *AsmInfo
}

// Program is the directory of assembled functions, indexed both by address
// and by name. Produced by the assembler or loaded from a program image.
type Program struct {
	funcs  []*AsmInfo
	byName map[string]*AsmInfo
}

// NewProgram builds a directory from code units whose addresses must match
// their position in the argument list.
func NewProgram(funcs ...*AsmInfo) (*Program, error) {
	p := &Program{
		funcs:  funcs,
		byName: make(map[string]*AsmInfo, len(funcs)),
	}
	for i, f := range funcs {
		if f.addr != i {
			return nil, fmt.Errorf("%w: function %q declares address %d at slot %d",
				ErrDecode, f.name, f.addr, i)
		}
		if _, ok := p.byName[f.name]; ok {
			return nil, fmt.Errorf("%w: duplicate function %q", ErrDecode, f.name)
		}
		p.byName[f.name] = f
	}
	return p, nil
}

func (p *Program) AssemblyAt(addr int) *AsmInfo {
	if addr < 0 || addr >= len(p.funcs) {
		return nil
	}
	return p.funcs[addr]
}

func (p *Program) AssemblyByName(name string) *AsmInfo {
	return p.byName[name]
}

// Funcs returns the directory in address order.
func (p *Program) Funcs() []*AsmInfo {
	return p.funcs
}
