package svm

import (
	"errors"
	"testing"
)

func TestCursorReads(t *testing.T) {
	enc := &encoder{}
	enc.emitU8(7)
	enc.emitU32(0x01020304)
	enc.emitDouble(2.5)
	enc.emitString("abc")
	a := NewAsmInfo("t", 0, 0, enc.b)

	pc := 0
	b, err := a.MoveU8(&pc)
	assert(t, err == nil && b == 7, "MoveU8: %d, %s", b, err)
	assert(t, pc == 1, "MoveU8 advanced pc to %d", pc)

	u, err := a.MoveU32(&pc)
	assert(t, err == nil && u == 0x01020304, "MoveU32: %d, %s", u, err)
	assert(t, pc == 5, "MoveU32 advanced pc to %d", pc)

	f, err := a.MoveDouble(&pc)
	assert(t, err == nil && f == 2.5, "MoveDouble: %g, %s", f, err)
	assert(t, pc == 13, "MoveDouble advanced pc to %d", pc)

	s, err := a.MoveString(&pc)
	assert(t, err == nil && s == "abc", "MoveString: %q, %s", s, err)
	assert(t, pc == 20, "MoveString advanced pc to %d", pc)

	assert(t, !a.HasMore(pc), "HasMore true at end of stream")
	_, err = a.MoveU8(&pc)
	assert(t, errors.Is(err, ErrDecode), "Read past end did not fail: %s", err)
}

func TestCursorReadTruncated(t *testing.T) {
	a := NewAsmInfo("t", 0, 0, []byte{1, 2})
	pc := 0
	_, err := a.MoveU32(&pc)
	assert(t, errors.Is(err, ErrDecode), "Truncated u32 read did not fail")
	assert(t, pc == 0, "Failed read moved the cursor to %d", pc)
}

func TestProgramDirectory(t *testing.T) {
	p, err := NewProgram(
		NewAsmInfo("main", 0, 2, nil),
		NewAsmInfo("helper", 1, 0, nil),
	)
	assert(t, err == nil, "NewProgram failed: %s", err)

	assert(t, p.AssemblyAt(0).Name() == "main", "address lookup wrong")
	assert(t, p.AssemblyAt(-1) == nil, "negative address resolved")
	assert(t, p.AssemblyAt(2) == nil, "out-of-range address resolved")
	assert(t, p.AssemblyByName("helper").Addr() == 1, "name lookup wrong")
	assert(t, p.AssemblyByName("nope") == nil, "missing name resolved")
}

func TestProgramDirectoryRejectsBadAddresses(t *testing.T) {
	_, err := NewProgram(NewAsmInfo("main", 3, 0, nil))
	assert(t, errors.Is(err, ErrDecode), "mismatched address accepted")

	_, err = NewProgram(
		NewAsmInfo("dup", 0, 0, nil),
		NewAsmInfo("dup", 1, 0, nil),
	)
	assert(t, errors.Is(err, ErrDecode), "duplicate name accepted")
}

func TestPackedCallWord(t *testing.T) {
	w := packCall(CallBuiltIn, 0x123456)
	kind, addr := unpackCall(w)
	assert(t, kind == CallBuiltIn && addr == 0x123456, "round trip gave kind %d addr %x", kind, addr)

	kind, addr = unpackCall(packCall(CallScript, 7))
	assert(t, kind == CallScript && addr == 7, "round trip gave kind %d addr %d", kind, addr)
}
