package vm

import "github.com/marcelgarus/soil/insts"

// Shorthand aliases for the fixed-role registers, used throughout the
// interpreter and syscall dispatch.
const (
	regSP = insts.RegSP
	regST = insts.RegST
	regA  = insts.RegA
	regB  = insts.RegB
	regC  = insts.RegC
)
