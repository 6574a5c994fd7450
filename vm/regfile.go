// Package vm implements the Soil interpreter: a register file, a flat
// byte-addressed memory, a separate call stack, syscall dispatch, and
// the fetch-execute loop that drives decoded instructions.
package vm

import "github.com/marcelgarus/soil/insts"

// RegFile holds Soil's eight 64-bit registers. Unlike a general-
// purpose ISA register file, every id has a fixed role: there is no
// zero register and no register/SP aliasing to special-case, since SP
// is simply register 0.
type RegFile struct {
	R [8]uint64
}

// Get reads a register's value.
func (f *RegFile) Get(r insts.Reg) uint64 {
	return f.R[r]
}

// Set writes a register's value.
func (f *RegFile) Set(r insts.Reg, v uint64) {
	f.R[r] = v
}

// SP is shorthand for the stack pointer register.
func (f *RegFile) SP() uint64 { return f.R[insts.RegSP] }

// SetSP sets the stack pointer register.
func (f *RegFile) SetSP(v uint64) { f.R[insts.RegSP] = v }

// ST is shorthand for the status register.
func (f *RegFile) ST() uint64 { return f.R[insts.RegST] }

// SetST sets the status register.
func (f *RegFile) SetST(v uint64) { f.R[insts.RegST] = v }
