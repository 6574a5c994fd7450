// Package main provides a pointer to the real entry point.
// Soil is a small fixed-register VM toolchain: a container binary
// format, bytecode interpreter, text-assembly back-end, and native
// JIT back-end.
//
// For the full CLI, use: go run ./cmd/soil
package main

import "fmt"

func main() {
	fmt.Println("Soil - fixed-register VM toolchain")
	fmt.Println("")
	fmt.Println("Usage: soil [options] [args...] < program.soil")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -backend   interp, asm, or native (default interp)")
	fmt.Println("  -memsize   override the back-end's default memory size")
	fmt.Println("  -v         verbose output")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/soil' for the full CLI.")
}
