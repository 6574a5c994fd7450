// Package main provides the entry point for soil, the Soil VM
// toolchain's driver. soil reads a container binary from stdin and
// runs it, via the interpreter, the text-assembly back-end, or the
// native JIT back-end.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/marcelgarus/soil/asmgen"
	"github.com/marcelgarus/soil/container"
	"github.com/marcelgarus/soil/native"
	"github.com/marcelgarus/soil/vm"
)

var (
	backend = flag.String("backend", "interp", "execution back-end: interp, asm, or native")
	memSize = flag.Int("memsize", 0, "override the back-end's default memory size (0 = use the back-end default)")
	verbose = flag.Bool("v", false, "verbose output")
)

func main() {
	flag.Parse()

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading program from stdin: %v\n", err)
		os.Exit(1)
	}

	b, err := container.Parse(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing program: %v\n", err)
		os.Exit(1)
	}

	if *verbose {
		fmt.Printf("Loaded program: %d bytes of code, %d bytes of memory, %d labels\n",
			len(b.ByteCode), len(b.Memory), len(b.Labels))
	}

	args := flag.Args()

	switch *backend {
	case "interp":
		os.Exit(int(runInterp(b, args)))
	case "asm":
		os.Exit(int(runAsm(b)))
	case "native":
		os.Exit(int(runNative(b)))
	default:
		fmt.Fprintf(os.Stderr, "Unknown backend %q; want interp, asm, or native\n", *backend)
		os.Exit(1)
	}
}

func runInterp(b *container.Binary, args []string) int64 {
	opts := []vm.Option{vm.WithArgs(args)}
	if *memSize != 0 {
		opts = append(opts, vm.WithMemSize(*memSize))
	}
	in := vm.New(b, opts...)
	exitCode, err := in.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if trap, ok := err.(*vm.Trap); ok {
			trap.DumpRegisters(os.Stderr)
		}
		return 1
	}
	if *verbose {
		fmt.Printf("Instructions executed: %d\n", in.InstructionCount())
	}
	return exitCode
}

func runAsm(b *container.Binary) int64 {
	opts := asmgen.Options{}
	if *memSize != 0 {
		opts.MemSize = *memSize
	}
	text, err := asmgen.Generate(b, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	// The text-assembly back-end's contract ends at producing fasm
	// source; assembling and linking it into a binary is left to the
	// caller's own toolchain, same as the original reference compiler.
	fmt.Print(text)
	return 0
}

func runNative(b *container.Binary) int64 {
	opts := native.Options{}
	if *memSize != 0 {
		opts.MemSize = *memSize
	}
	fn, err := native.Build(b, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	compiled, err := fn.Materialize()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	size := opts.MemSize
	if size == 0 {
		size = native.DefaultMemSize
	}
	memory := make([]byte, size)
	copy(memory, b.Memory)
	return compiled.Run(memory)
}
