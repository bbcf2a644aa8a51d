package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/urfave/cli.v2"

	svm "svm/vm"
)

// The standard builtins every program assembled by this tool can call.
// Table order is part of the call-word encoding, so it must match between
// assembly and execution.
func newBuiltIn(out io.Writer) *svm.BuiltIn {
	b := svm.NewBuiltIn()
	b.Entry("Log", func(d *svm.Driver) error {
		m, err := d.PopMemory()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, m.Str)
		return nil
	})
	b.Entry("ToString", func(d *svm.Driver) error {
		m, err := d.PopMemory()
		if err != nil {
			return err
		}
		d.R.Set(0, svm.Value{Str: fmt.Sprintf("%.f", m.Num)})
		return nil
	})
	return b
}

// loadProgram assembles source files, or loads a prebuilt image when given
// a single .svm file.
func loadProgram(builtIn *svm.BuiltIn, files []string) (*svm.Program, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no input files")
	}
	if len(files) == 1 && strings.HasSuffix(files[0], ".svm") {
		return svm.LoadProgram(files[0])
	}
	return svm.AssembleFiles(builtIn, files...)
}

func main() {
	app := &cli.App{
		Name:    "svm",
		Usage:   "assemble and run script VM programs",
		Version: "v0.1.0",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "execute a program",
				ArgsUsage: "<file> [file ...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "entry",
						Aliases: []string{"e"},
						Usage:   "entry function",
						Value:   "main",
					},
					&cli.BoolFlag{
						Name:    "debug",
						Aliases: []string{"d"},
						Usage:   "run under the single-step monitor",
					},
					&cli.IntFlag{
						Name:  "stack-size",
						Usage: "local memory cells",
						Value: svm.DefaultStackSize,
					},
					&cli.IntFlag{
						Name:  "static-size",
						Usage: "static memory cells",
						Value: svm.DefaultStaticSize,
					},
				},
				Action: func(c *cli.Context) error {
					builtIn := newBuiltIn(os.Stdout)
					prog, err := loadProgram(builtIn, c.Args().Slice())
					if err != nil {
						return err
					}
					driver := svm.NewDriverWithSizes(prog, builtIn, c.Int("stack-size"), c.Int("static-size"))
					if c.Bool("debug") {
						return driver.DebugFunction(c.String("entry"))
					}
					return driver.ExecuteFunction(c.String("entry"))
				},
			},
			{
				Name:      "build",
				Usage:     "assemble sources into a program image",
				ArgsUsage: "<file> [file ...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "out",
						Aliases: []string{"o"},
						Usage:   "output image file",
						Value:   "out.svm",
					},
				},
				Action: func(c *cli.Context) error {
					prog, err := svm.AssembleFiles(newBuiltIn(os.Stdout), c.Args().Slice()...)
					if err != nil {
						return err
					}
					return svm.SaveProgram(c.String("out"), prog)
				},
			},
			{
				Name:      "dis",
				Usage:     "print a mnemonic listing of a program",
				ArgsUsage: "<file> [file ...]",
				Action: func(c *cli.Context) error {
					prog, err := loadProgram(newBuiltIn(os.Stdout), c.Args().Slice())
					if err != nil {
						return err
					}
					return svm.Disassemble(os.Stdout, prog)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
