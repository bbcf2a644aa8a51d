package svm

import (
	"errors"
	"fmt"
)

const (
	DefaultStackSize  = 2048
	DefaultStaticSize = 1024
	CallStackSize     = 256
)

// Error kinds surfaced to the embedder. Every fatal condition wraps one of
// these; classify with errors.Is.
var (
	ErrNotFound      = errors.New("function not found")
	ErrBoundsCheck   = errors.New("address out of bounds")
	ErrStackOverflow = errors.New("stack overflow")
	ErrDecode        = errors.New("bytecode decode error")
	ErrUnknownOpcode = errors.New("unknown opcode")
	// ErrTypeMismatch is part of the public taxonomy for embedders that
	// layer stricter string/number coercion on top of the core; the core
	// itself never raises it.
	ErrTypeMismatch = errors.New("type mismatch")
)

type callFrame struct {
	funcAddr int
	pc       int
}

// Driver owns every piece of mutable run state: the local memory area the
// call frames stack into, the static area, the register file, the call
// stack and the instruction cursor. It is single-threaded: one dispatch
// loop, no suspension points, host callbacks on the same thread.
type Driver struct {
	reader  AssemblyReader
	builtIn *BuiltIn

	// R is the register bank; host callbacks set R[0] to return a value.
	R *RegisterFile

	local     []Value
	static    []Value
	callStack []callFrame
	csp       int

	funcAddr  int // current code unit address, -1 when halted
	pc        int // byte cursor within the current code unit
	localAddr int // base of the current frame in local memory
	push      int // arguments prepared for the pending call
}

// NewDriver builds a driver with the default local and static sizes.
func NewDriver(reader AssemblyReader, builtIn *BuiltIn) *Driver {
	return NewDriverWithSizes(reader, builtIn, DefaultStackSize, DefaultStaticSize)
}

func NewDriverWithSizes(reader AssemblyReader, builtIn *BuiltIn, stacksize, staticsize int) *Driver {
	return &Driver{
		reader:    reader,
		builtIn:   builtIn,
		R:         NewRegisterFile(),
		local:     make([]Value, stacksize),
		static:    make([]Value, staticsize),
		callStack: make([]callFrame, CallStackSize),
		funcAddr:  -1,
	}
}

func (d *Driver) currentAssembly() *AsmInfo {
	return d.reader.AssemblyAt(d.funcAddr)
}

// CurrentAssembly returns the code unit the cursor is in, nil when halted.
func (d *Driver) CurrentAssembly() *AsmInfo {
	return d.currentAssembly()
}

func (d *Driver) PC() int        { return d.pc }
func (d *Driver) FuncAddr() int  { return d.funcAddr }
func (d *Driver) LocalAddr() int { return d.localAddr }
func (d *Driver) PushCount() int { return d.push }
func (d *Driver) CallDepth() int { return d.csp }

// IsActive reports whether the dispatch loop has another instruction to
// run: a current code unit exists and either has bytes left or the driver
// is not halted (funcAddr >= 0).
func (d *Driver) IsActive() bool {
	asm := d.currentAssembly()
	if asm == nil {
		return false
	}
	if asm.HasMore(d.pc) {
		return true
	}
	return d.funcAddr >= 0
}

// ExecuteFunction resolves the named entry point, resets the run state and
// dispatches until the outermost frame returns. A missing entry point is
// reported without running anything.
func (d *Driver) ExecuteFunction(name string) error {
	asm := d.reader.AssemblyByName(name)
	if asm == nil {
		d.funcAddr = -1
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	d.setup(asm.Addr())
	return d.execute()
}

func (d *Driver) setup(funcAddr int) {
	d.funcAddr = funcAddr
	d.pc = 0
	d.localAddr = 0
	d.push = 0
	d.csp = 0
}

func (d *Driver) execute() error {
	for d.IsActive() {
		if err := d.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Step fetches and runs exactly one instruction. The debug monitor drives
// the loop through this; embedders can use it to interleave cancellation
// checks between instructions.
func (d *Driver) Step() error {
	asm := d.currentAssembly()
	op, err := asm.MoveU8(&d.pc)
	if err != nil {
		return d.fault(asm, err)
	}
	if err := d.dispatch(Bytecode(op)); err != nil {
		return d.fault(asm, err)
	}
	return nil
}

// fault halts the driver and decorates the error with its position.
func (d *Driver) fault(asm *AsmInfo, err error) error {
	d.funcAddr = -1
	return fmt.Errorf("%w (function %q, pc %d)", err, asm.Name(), d.pc)
}

func (d *Driver) dispatch(op Bytecode) error {
	switch op {
	case Mov:
		return d.mov()
	case Add:
		return d.arith(addValues)
	case Sub:
		return d.arith(subValues)
	case Mul:
		return d.arith(mulValues)
	case Div:
		return d.arith(divValues)
	case Rem:
		return d.arith(remValues)
	case Inc:
		return d.unary(incValue)
	case Dec:
		return d.unary(decValue)
	case Push:
		return d.pushOp()
	case Pop:
		return d.popOp()
	case ST:
		return d.st()
	case LD:
		return d.ld()
	case CmpGeq, CmpG, CmpLeq, CmpL, CmpEq, CmpNEq:
		return d.cmp(op)
	case LogAnd, LogOr:
		return d.logic(op)
	case Jmp:
		return d.jmp()
	case JumpZero:
		return d.jumpZero()
	case JumpNotZero:
		return d.jumpNotZero()
	case Call:
		return d.call()
	case Ret:
		return d.ret()
	case EndFunc:
		return d.endFunc()
	case PMov, ArrayIndexSet, ArrayIndexAdd:
		return fmt.Errorf("%w: reserved opcode %s", ErrUnknownOpcode, op)
	default:
		return fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, byte(op))
	}
}

// operand is one decoded operand. Literal operands are transient: they own
// their value and have no slot. Register and memory operands carry the
// resolved slot so the sink convention can write back through them.
type operand struct {
	loc  Location
	reg  int   // register index for RegRef
	addr int   // absolute slot for MemLocal/MemStatic (frame base applied)
	val  Value // value read at decode time
}

// decodeOperand reads one tagged operand at the cursor, advancing it by
// exactly the bytes the operand grammar defines. No lookahead.
func (d *Driver) decodeOperand() (operand, error) {
	asm := d.currentAssembly()
	tag, err := asm.MoveU8(&d.pc)
	if err != nil {
		return operand{}, err
	}
	loc := Location(tag)
	switch loc {
	case LitValue:
		n, err := asm.MoveDouble(&d.pc)
		if err != nil {
			return operand{}, err
		}
		return operand{loc: loc, val: Value{Num: n}}, nil
	case LitString:
		s, err := asm.MoveString(&d.pc)
		if err != nil {
			return operand{}, err
		}
		return operand{loc: loc, val: Value{Str: s}}, nil
	case RegRef:
		idx, err := asm.MoveU8(&d.pc)
		if err != nil {
			return operand{}, err
		}
		if int(idx) >= NumRegisters {
			return operand{}, fmt.Errorf("%w: register %d", ErrBoundsCheck, idx)
		}
		return operand{loc: loc, reg: int(idx), val: d.R.Get(int(idx))}, nil
	case MemLocal, MemStatic:
		addr, err := d.decodeCompositeAddr(asm)
		if err != nil {
			return operand{}, err
		}
		if loc == MemLocal {
			addr += d.localAddr
			v, err := d.getLocal(addr)
			if err != nil {
				return operand{}, err
			}
			return operand{loc: loc, addr: addr, val: v}, nil
		}
		v, err := d.getStatic(addr)
		if err != nil {
			return operand{}, err
		}
		return operand{loc: loc, addr: addr, val: v}, nil
	default:
		return operand{}, fmt.Errorf("%w: location tag 0x%02X", ErrDecode, tag)
	}
}

// decodeCompositeAddr consumes the term list of a memory operand and
// returns the effective address relative to the operand's area.
func (d *Driver) decodeCompositeAddr(asm *AsmInfo) (int, error) {
	count, err := asm.MoveU32(&d.pc)
	if err != nil {
		return 0, err
	}
	address := 0
	for i := uint32(0); i < count; i++ {
		isArray, err := asm.MoveU8(&d.pc)
		if err != nil {
			return 0, err
		}
		// The ref flag is reserved for the planned aliasing form. Read
		// and ignored in this revision.
		if _, err := asm.MoveU8(&d.pc); err != nil {
			return 0, err
		}
		base, err := asm.MoveU32(&d.pc)
		if err != nil {
			return 0, err
		}
		term := int(base)
		if isArray != 0 {
			elemSize, err := asm.MoveU32(&d.pc)
			if err != nil {
				return 0, err
			}
			regIdx, err := asm.MoveU32(&d.pc)
			if err != nil {
				return 0, err
			}
			if int(regIdx) >= NumRegisters {
				return 0, fmt.Errorf("%w: index register %d", ErrBoundsCheck, regIdx)
			}
			term += int(elemSize) * int(d.R.Get(int(regIdx)).Num)
		}
		address += term
	}
	return address, nil
}

// writeOperand stores v into the operand's slot. Literal-backed operands
// have no slot; a write through one is a producer bug the VM does not
// diagnose, so it is dropped.
func (d *Driver) writeOperand(o operand, v Value) {
	switch o.loc {
	case RegRef:
		d.R.Set(o.reg, v)
	case MemLocal:
		d.local[o.addr] = v
	case MemStatic:
		d.static[o.addr] = v
	}
}

func (d *Driver) getLocal(addr int) (Value, error) {
	if addr < 0 || addr >= len(d.local) {
		return Value{}, fmt.Errorf("%w: local %d of %d", ErrBoundsCheck, addr, len(d.local))
	}
	return d.local[addr], nil
}

func (d *Driver) getStatic(addr int) (Value, error) {
	if addr < 0 || addr >= len(d.static) {
		return Value{}, fmt.Errorf("%w: static %d of %d", ErrBoundsCheck, addr, len(d.static))
	}
	return d.static[addr], nil
}

// mov copies the second operand into the first operand's slot.
func (d *Driver) mov() error {
	src, err := d.decodeOperand()
	if err != nil {
		return err
	}
	dst, err := d.decodeOperand()
	if err != nil {
		return err
	}
	d.writeOperand(src, dst.val)
	return nil
}

// arith runs a two-operand numeric op, result into the first operand's slot.
func (d *Driver) arith(fn func(x, y Value) Value) error {
	src, err := d.decodeOperand()
	if err != nil {
		return err
	}
	dst, err := d.decodeOperand()
	if err != nil {
		return err
	}
	d.writeOperand(src, fn(src.val, dst.val))
	return nil
}

func (d *Driver) unary(fn func(v Value) Value) error {
	src, err := d.decodeOperand()
	if err != nil {
		return err
	}
	d.writeOperand(src, fn(src.val))
	return nil
}

// cmp writes the boolean result into the first operand's slot; the
// compiler then arranges register 0 to be that slot for the jumps.
func (d *Driver) cmp(op Bytecode) error {
	src, err := d.decodeOperand()
	if err != nil {
		return err
	}
	dst, err := d.decodeOperand()
	if err != nil {
		return err
	}
	c := compareValues(src.val, dst.val)
	var result bool
	switch op {
	case CmpGeq:
		result = c >= 0
	case CmpG:
		result = c > 0
	case CmpLeq:
		result = c <= 0
	case CmpL:
		result = c < 0
	case CmpEq:
		result = c == 0
	case CmpNEq:
		result = c != 0
	}
	d.writeOperand(src, boolValue(result))
	return nil
}

func (d *Driver) logic(op Bytecode) error {
	src, err := d.decodeOperand()
	if err != nil {
		return err
	}
	dst, err := d.decodeOperand()
	if err != nil {
		return err
	}
	var result bool
	switch op {
	case LogAnd:
		result = src.val.IsTrue() && dst.val.IsTrue()
	case LogOr:
		result = src.val.IsTrue() || dst.val.IsTrue()
	}
	d.writeOperand(src, boolValue(result))
	return nil
}

func (d *Driver) jmp() error {
	target, err := d.currentAssembly().MoveU32(&d.pc)
	if err != nil {
		return err
	}
	d.pc = int(target)
	return nil
}

func (d *Driver) jumpZero() error {
	target, err := d.currentAssembly().MoveU32(&d.pc)
	if err != nil {
		return err
	}
	if !d.R.Get(0).IsTrue() {
		d.pc = int(target)
	}
	return nil
}

func (d *Driver) jumpNotZero() error {
	target, err := d.currentAssembly().MoveU32(&d.pc)
	if err != nil {
		return err
	}
	if d.R.Get(0).IsTrue() {
		d.pc = int(target)
	}
	return nil
}

// pushOp evaluates the operand and places it in the pending argument area:
// one slot past the current frame, offset by the number already pushed.
// The callee sees these as the first cells of its own frame.
func (d *Driver) pushOp() error {
	frame := d.currentAssembly().FrameSize()
	m, err := d.decodeOperand()
	if err != nil {
		return err
	}
	addr := d.localAddr + frame + d.push
	if addr < 0 || addr >= len(d.local) {
		return fmt.Errorf("%w: argument slot %d of %d", ErrStackOverflow, addr, len(d.local))
	}
	d.local[addr] = m.val
	d.push++
	return nil
}

func (d *Driver) popOp() error {
	if d.push <= 0 {
		return fmt.Errorf("%w: pop with no pending arguments", ErrBoundsCheck)
	}
	d.push--
	return nil
}

func (d *Driver) st() error {
	count, err := d.currentAssembly().MoveU8(&d.pc)
	if err != nil {
		return err
	}
	return d.R.Store(int(count))
}

func (d *Driver) ld() error {
	count, err := d.currentAssembly().MoveU8(&d.pc)
	if err != nil {
		return err
	}
	return d.R.Load(int(count))
}

// call saves the return frame, advances the frame base past the caller's
// locals and transfers control. Host callbacks run synchronously and
// return through the EndFunc action immediately; script callees start at
// byte 0 with a fresh push counter.
func (d *Driver) call() error {
	caller := d.currentAssembly()
	word, err := caller.MoveU32(&d.pc)
	if err != nil {
		return err
	}
	kind, addr := unpackCall(word)
	if d.csp >= len(d.callStack) {
		return fmt.Errorf("%w: call depth %d", ErrStackOverflow, d.csp)
	}
	d.callStack[d.csp] = callFrame{funcAddr: d.funcAddr, pc: d.pc}
	d.csp++
	d.localAddr += caller.FrameSize()

	if kind == CallBuiltIn {
		if d.builtIn == nil {
			return fmt.Errorf("%w: no host bridge for builtin %d", ErrNotFound, addr)
		}
		fn := d.builtIn.IndexAt(addr)
		if fn == nil {
			return fmt.Errorf("%w: builtin index %d of %d", ErrBoundsCheck, addr, d.builtIn.Len())
		}
		if err := fn(d); err != nil {
			return err
		}
		return d.endFunc()
	}

	callee := d.reader.AssemblyAt(addr)
	if callee == nil {
		return fmt.Errorf("%w: call target %d", ErrNotFound, addr)
	}
	if d.localAddr+callee.FrameSize() > len(d.local) {
		return fmt.Errorf("%w: frame base %d + frame %d exceeds %d",
			ErrStackOverflow, d.localAddr, callee.FrameSize(), len(d.local))
	}
	d.push = 0
	d.funcAddr = addr
	d.pc = 0
	return nil
}

// ret places the operand in register 0 by convention.
func (d *Driver) ret() error {
	m, err := d.decodeOperand()
	if err != nil {
		return err
	}
	d.R.Set(0, m.val)
	return nil
}

// endFunc pops the call frame. Below the outermost frame there is nothing
// to return through, so the driver halts.
func (d *Driver) endFunc() error {
	d.csp--
	if d.csp < 0 {
		d.csp = 0
		d.funcAddr = -1
		return nil
	}
	fr := d.callStack[d.csp]
	d.funcAddr = fr.funcAddr
	d.pc = fr.pc
	d.localAddr -= d.currentAssembly().FrameSize()
	return nil
}

// PopMemory consumes the next pending argument for a host callback.
// Arguments were pushed left-to-right, so repeated calls walk them
// right-to-left.
func (d *Driver) PopMemory() (Value, error) {
	if d.push <= 0 {
		return Value{}, fmt.Errorf("%w: pop with no pending arguments", ErrBoundsCheck)
	}
	d.push--
	return d.getLocal(d.localAddr + d.push)
}

// PushMemory is the embedder-side companion to the push instruction: it
// places a value in the pending argument area and advances the counter.
func (d *Driver) PushMemory(v Value) error {
	asm := d.currentAssembly()
	if asm == nil {
		return fmt.Errorf("%w: no current function", ErrNotFound)
	}
	addr := d.localAddr + asm.FrameSize() + d.push
	if addr < 0 || addr >= len(d.local) {
		return fmt.Errorf("%w: argument slot %d of %d", ErrStackOverflow, addr, len(d.local))
	}
	d.local[addr] = v
	d.push++
	return nil
}
