package svm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Assembled programs serialize to a flat little-endian image:
//
//	magic u32 "SVMA", version u32, function count u32, then per function:
//	name (u32 length + bytes), frame size u32, code length u32, code bytes.
//
// Directory addresses are positional, so they are not stored.
const (
	imageMagic   uint32 = 0x414D5653 // "SVMA"
	imageVersion uint32 = 1
)

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteProgram serializes the directory to w in image form.
func WriteProgram(w io.Writer, p *Program) error {
	bw := bufio.NewWriter(w)
	for _, v := range []uint32{imageMagic, imageVersion, uint32(len(p.Funcs()))} {
		if err := writeU32(bw, v); err != nil {
			return err
		}
	}
	for _, f := range p.Funcs() {
		if err := writeU32(bw, uint32(len(f.Name()))); err != nil {
			return err
		}
		if _, err := bw.WriteString(f.Name()); err != nil {
			return err
		}
		if err := writeU32(bw, uint32(f.FrameSize())); err != nil {
			return err
		}
		if err := writeU32(bw, uint32(f.CodeLen())); err != nil {
			return err
		}
		if _, err := bw.Write(f.code); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadProgram deserializes an image back into a directory.
func ReadProgram(r io.Reader) (*Program, error) {
	magic, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: short image header", ErrDecode)
	}
	if magic != imageMagic {
		return nil, fmt.Errorf("%w: bad image magic 0x%08X", ErrDecode, magic)
	}
	version, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: short image header", ErrDecode)
	}
	if version != imageVersion {
		return nil, fmt.Errorf("%w: unsupported image version %d", ErrDecode, version)
	}
	count, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: short image header", ErrDecode)
	}

	funcs := make([]*AsmInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		nameLen, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated function %d", ErrDecode, i)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("%w: truncated function %d", ErrDecode, i)
		}
		frame, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated function %q", ErrDecode, name)
		}
		codeLen, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated function %q", ErrDecode, name)
		}
		code := make([]byte, codeLen)
		if _, err := io.ReadFull(r, code); err != nil {
			return nil, fmt.Errorf("%w: truncated function %q", ErrDecode, name)
		}
		funcs = append(funcs, NewAsmInfo(string(name), int(i), int(frame), code))
	}
	return NewProgram(funcs...)
}

// SaveProgram writes the image to a file.
func SaveProgram(path string, p *Program) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteProgram(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadProgram reads an image file back into a directory.
func LoadProgram(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadProgram(f)
}
