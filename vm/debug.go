package svm

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// DebugFunction runs the named entry point under a single-step monitor:
// it prints the next instruction and the driver state, then waits for a
// key. When stdin is a terminal the monitor reads single raw keystrokes;
// otherwise it falls back to line input.
func (d *Driver) DebugFunction(name string) error {
	asm := d.reader.AssemblyByName(name)
	if asm == nil {
		d.funcAddr = -1
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	d.setup(asm.Addr())

	fmt.Printf("Commands:\n\tn or enter: execute next instruction\n\tr: run to completion\n\tq: quit\n\n")

	in := bufio.NewReader(os.Stdin)
	stepping := true
	for d.IsActive() {
		if stepping {
			d.printState()
			key, err := readMonitorKey(in)
			if err != nil {
				return err
			}
			switch key {
			case 'q', 0x03: // ctrl-c in raw mode
				return nil
			case 'r':
				stepping = false
			}
		}
		if err := d.Step(); err != nil {
			return err
		}
	}
	d.printState()
	return nil
}

func (d *Driver) printState() {
	if asm := d.currentAssembly(); asm != nil && asm.HasMore(d.pc) {
		if text, _, err := DisasmInstruction(asm, d.pc); err == nil {
			fmt.Printf("  next> %s+%d: %s\n", asm.Name(), d.pc, text)
		}
	}
	fmt.Printf("  frame> funcAddr %d, pc %d, localAddr %d, push %d, depth %d\n",
		d.funcAddr, d.pc, d.localAddr, d.push, d.csp)

	var sb strings.Builder
	for i := 0; i < NumRegisters; i++ {
		v := d.R.Get(i)
		if v.Str != "" {
			fmt.Fprintf(&sb, " r%d=%q", i, v.Str)
		} else if v.Num != 0 || i == 0 {
			fmt.Fprintf(&sb, " r%d=%g", i, v.Num)
		}
	}
	fmt.Printf("  registers>%s\n", sb.String())
}

// readMonitorKey reads one command key. The terminal is switched to raw
// mode only for the duration of the read, so state printing stays in
// cooked mode.
func readMonitorKey(in *bufio.Reader) (byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, old)
			var buf [1]byte
			if _, err := os.Stdin.Read(buf[:]); err != nil {
				return 0, err
			}
			return buf[0], nil
		}
	}

	line, err := in.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 'n', nil
	}
	return line[0], nil
}
