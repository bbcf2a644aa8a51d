package svm

import (
	"strings"
	"testing"
)

func assembleAndExpectError(t *testing.T, source, fragment string) {
	t.Helper()
	_, err := Assemble(source, nil)
	assert(t, err != nil, "Assembly unexpectedly succeeded")
	assert(t, strings.Contains(err.Error(), fragment),
		"Expected error mentioning %q, got: %s", fragment, err)
}

func TestAssembleErrors(t *testing.T) {
	assembleAndExpectError(t, `
		mov r0, 1.0
	`, "before any .func")

	assembleAndExpectError(t, `
		.func main 0
			frobnicate r0
	`, "unknown mnemonic")

	assembleAndExpectError(t, `
		.func main 0
			jmp nowhere
			end
	`, "unknown label")

	assembleAndExpectError(t, `
		.func main 0
			call missing
			end
	`, "unknown call target")

	assembleAndExpectError(t, `
		.func main 0
			mov r99, 1.0
			end
	`, "out of range")

	assembleAndExpectError(t, `
		.func main 0
			add r0
			end
	`, "two operands")

	assembleAndExpectError(t, `
		.func main 0
		dup:
		dup:
			end
	`, "duplicate label")

	assembleAndExpectError(t, `
		.func main 0
			end
		.func main 0
			end
	`, "duplicate function")

	assembleAndExpectError(t, `
		.func main
			end
	`, ".func")
}

func TestAssembleComments(t *testing.T) {
	d := runFunction(t, `
		; full line comment
		.func main 0		// trailing comment
			mov r1, "a;b // not a comment"	; real comment
			end
	`, "main")
	assert(t, d.R.Get(1).Str == "a;b // not a comment", "Comment stripping ate a string: %q", d.R.Get(1).Str)
}

func TestAssembleHexLiteral(t *testing.T) {
	d := runFunction(t, `
		.func main 0
			mov r1, 0x10
			end
	`, "main")
	assert(t, d.R.Get(1).Num == 16, "Expected 0x10 == 16, got %g", d.R.Get(1).Num)
}

func TestAssembleMultipleFilesSplit(t *testing.T) {
	// Functions may reference each other across what would be separate
	// files; addresses follow section order.
	prog := assembleAndCheck(t, `
		.func main 1
			push 2.0
			call double
			end
		.func double 1
			mov r0, local[0]
			add r0, local[0]
			end
	`, nil)
	d := NewDriver(prog, nil)
	err := d.ExecuteFunction("main")
	assert(t, err == nil, "Got unexpected error: %s", err)
	assert(t, d.R.Get(0).Num == 4, "Expected 2+2 == 4, got %g", d.R.Get(0).Num)
}

func TestDisassembleListing(t *testing.T) {
	builtIn := NewBuiltIn()
	builtIn.Entry("Log", func(d *Driver) error { return nil })
	prog := assembleAndCheck(t, `
		.func main 1
			mov local[0], 2.5
			push "hi"
			call Log
			jmp done
		done:
			end
	`, builtIn)

	out := &strings.Builder{}
	err := Disassemble(out, prog)
	assert(t, err == nil, "Disassemble failed: %s", err)

	listing := out.String()
	for _, want := range []string{".func main 1", "mov local[0], 2.5", `push "hi"`, "call builtin:0", "jmp", "end"} {
		assert(t, strings.Contains(listing, want), "Listing missing %q:\n%s", want, listing)
	}
}
