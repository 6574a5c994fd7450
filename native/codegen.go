package native

import (
	"fmt"
	"unsafe"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
	"golang.org/x/sys/unix"

	"github.com/marcelgarus/soil/native/ssa"
)

// hostReg is the same fixed Soil-register -> host-register mapping
// used by the text-assembly back-end (asmgen), so the two back-ends
// agree on calling convention.
var hostReg = [8]int16{
	x86.REG_R8, x86.REG_R9, x86.REG_R10, x86.REG_R11,
	x86.REG_R12, x86.REG_R13, x86.REG_R14, x86.REG_R15,
}

// The scratch registers hold a Value's result when it isn't itself a register:
// temporaries live in rax, with rdx/rbx used as needed by idiv/cmov
// sequences, exactly as in asmgen.
const (
	scratchA = x86.REG_AX
	scratchD = x86.REG_DX
	scratchB = x86.REG_BX
)

// CompiledFunction is machine code mapped executable, ready to run.
type CompiledFunction struct {
	code []byte
}

// Materialize assembles fn's SSA-IR into x86-64 machine code via
// golang-asm (the same assembler package wazero's compiler-mode engine
// wraps) and mmaps it PROT_EXEC. Run invokes it directly; there is no
// further interpretation step once Materialize returns.
func (fn *Function) Materialize() (*CompiledFunction, error) {
	ctxt := obj.Linknew(&x86.Linuxamd64)
	ctxt.Bso = nil

	sym := &obj.LSym{Name: "soil_compiled"}
	first := ctxt.NewProg()
	first.As = obj.ATEXT
	first.From.Type = obj.TYPE_MEM
	first.From.Sym = sym
	first.From.Name = obj.NAME_EXTERN

	blockEntry := make(map[*ssa.BasicBlock]*obj.Prog, len(fn.ssa.Blocks))
	var jumpsToPatch []struct {
		prog   *obj.Prog
		target *ssa.BasicBlock
	}

	last := first
	appendProg := func(p *obj.Prog) {
		last.Link = p
		last = p
	}
	newProg := func(as obj.As) *obj.Prog {
		p := ctxt.NewProg()
		p.As = as
		appendProg(p)
		return p
	}
	regAddr := func(r int16) obj.Addr { return obj.Addr{Type: obj.TYPE_REG, Reg: r} }
	constAddr := func(v int64) obj.Addr { return obj.Addr{Type: obj.TYPE_CONST, Offset: v} }
	memAddr := func(base int16, off int64) obj.Addr {
		return obj.Addr{Type: obj.TYPE_MEM, Reg: base, Offset: off}
	}

	valReg := make(map[ssa.Value]int16)
	for _, blk := range fn.ssa.Blocks {
		for i, p := range blk.Params {
			valReg[p] = hostReg[i]
		}
	}

	// Run calls into the compiled function like a C function pointer
	// (the calling convention unsafe func-pointer casts assume): the
	// guest memory base address arrives in RDI, kept in RBP for the
	// function's lifetime so Load/Store addressing can use it. The
	// native call-stack buffer's base address arrives in RSI and is
	// tracked as a growing pointer in RCX (Call/Ret push/pop it
	// directly; it is not one of the 8 Soil registers, so it can't
	// live in a block parameter).
	prologue := newProg(x86.AMOVQ)
	prologue.From = regAddr(x86.REG_DI)
	prologue.To = regAddr(memoryBaseReg)
	callStackInit := newProg(x86.AMOVQ)
	callStackInit.From = regAddr(x86.REG_SI)
	callStackInit.To = regAddr(callStackReg)

	for _, blk := range fn.ssa.Blocks {
		entry := newProg(obj.ANOP)
		blockEntry[blk] = entry

		for _, inst := range blk.Instructions {
			dst := scratchA
			switch inst.Op {
			case ssa.OpConst:
				p := newProg(x86.AMOVQ)
				p.From = constAddr(inst.Aux)
				p.To = regAddr(dst)
			case ssa.OpAdd:
				movToScratch(newProg, regAddr, valReg, inst.Args[0], dst)
				p := newProg(x86.AADDQ)
				p.From = regAddr(operandReg(valReg, inst.Args[1]))
				p.To = regAddr(dst)
			case ssa.OpSub:
				movToScratch(newProg, regAddr, valReg, inst.Args[0], dst)
				p := newProg(x86.ASUBQ)
				p.From = regAddr(operandReg(valReg, inst.Args[1]))
				p.To = regAddr(dst)
			case ssa.OpMul:
				movToScratch(newProg, regAddr, valReg, inst.Args[0], dst)
				p := newProg(x86.AIMULQ)
				p.From = regAddr(operandReg(valReg, inst.Args[1]))
				p.To = regAddr(dst)
			case ssa.OpAnd:
				movToScratch(newProg, regAddr, valReg, inst.Args[0], dst)
				p := newProg(x86.AANDQ)
				p.From = regAddr(operandReg(valReg, inst.Args[1]))
				p.To = regAddr(dst)
			case ssa.OpOr:
				movToScratch(newProg, regAddr, valReg, inst.Args[0], dst)
				p := newProg(x86.AORQ)
				p.From = regAddr(operandReg(valReg, inst.Args[1]))
				p.To = regAddr(dst)
			case ssa.OpXor:
				movToScratch(newProg, regAddr, valReg, inst.Args[0], dst)
				p := newProg(x86.AXORQ)
				p.From = regAddr(operandReg(valReg, inst.Args[1]))
				p.To = regAddr(dst)
			case ssa.OpNot:
				movToScratch(newProg, regAddr, valReg, inst.Args[0], dst)
				p := newProg(x86.ANOTQ)
				p.To = regAddr(dst)
			case ssa.OpDivS, ssa.OpRemS:
				movToScratch(newProg, regAddr, valReg, inst.Args[0], scratchA)
				newProg(x86.ACQO)
				p := newProg(x86.AIDIVQ)
				p.From = regAddr(operandReg(valReg, inst.Args[1]))
				if inst.Op == ssa.OpRemS {
					dst = scratchD
				}
			case ssa.OpLoad64:
				p := newProg(x86.AMOVQ)
				p.From = memAddr(memoryBaseReg, 0)
				p.From.Index = operandReg(valReg, inst.Args[0])
				p.From.Scale = 1
				p.To = regAddr(dst)
			case ssa.OpLoad8:
				p := newProg(x86.AMOVBQZX)
				p.From = memAddr(memoryBaseReg, 0)
				p.From.Index = operandReg(valReg, inst.Args[0])
				p.From.Scale = 1
				p.To = regAddr(dst)
			case ssa.OpStore64:
				movToScratch(newProg, regAddr, valReg, inst.Args[1], scratchB)
				p := newProg(x86.AMOVQ)
				p.From = regAddr(scratchB)
				p.To = memAddr(memoryBaseReg, 0)
				p.To.Index = operandReg(valReg, inst.Args[0])
				p.To.Scale = 1
			case ssa.OpStore8:
				movToScratch(newProg, regAddr, valReg, inst.Args[1], scratchB)
				p := newProg(x86.AMOVB)
				p.From = regAddr(scratchB)
				p.To = memAddr(memoryBaseReg, 0)
				p.To.Index = operandReg(valReg, inst.Args[0])
				p.To.Scale = 1
			case ssa.OpIcmpEqZero, ssa.OpIcmpLtZero, ssa.OpIcmpGtZero, ssa.OpIcmpLeZero, ssa.OpIcmpGeZero:
				zero := newProg(x86.AMOVQ)
				zero.From = constAddr(0)
				zero.To = regAddr(scratchA)
				one := newProg(x86.AMOVQ)
				one.From = constAddr(1)
				one.To = regAddr(scratchB)
				cmp := newProg(x86.ACMPQ)
				cmp.From = regAddr(operandReg(valReg, inst.Args[0]))
				cmp.To = constAddr(0)
				mov := newProg(cmovOp(inst.Op))
				mov.From = regAddr(scratchB)
				mov.To = regAddr(scratchA)
			case ssa.OpHostCall:
				// Syscalls are serviced by direct Linux syscalls,
				// matching the text-assembly back-end rather than
				// calling back into the host process; the call-stack
				// push/pop sentinels are serviced directly against the
				// RCX-tracked call-stack buffer (see emitHostCall).
				emitHostCall(newProg, regAddr, constAddr, valReg, inst)
				dst = scratchA
			}
			valReg[inst.Result] = dst
		}

		switch blk.Term.Kind {
		case ssa.TermJump:
			emitArgs(newProg, regAddr, valReg, blk.Term.Target, blk.Term.TargetArgs)
			p := newProg(obj.AJMP)
			p.To.Type = obj.TYPE_BRANCH
			jumpsToPatch = append(jumpsToPatch, struct {
				prog   *obj.Prog
				target *ssa.BasicBlock
			}{p, blk.Term.Target})
		case ssa.TermBranch:
			cmp := newProg(x86.ACMPQ)
			cmp.From = regAddr(operandReg(valReg, blk.Term.Cond))
			cmp.To = constAddr(0)
			jne := newProg(x86.AJNE)
			jne.To.Type = obj.TYPE_BRANCH
			jumpsToPatch = append(jumpsToPatch, struct {
				prog   *obj.Prog
				target *ssa.BasicBlock
			}{jne, blk.Term.TrueTarget})
			emitArgs(newProg, regAddr, valReg, blk.Term.FalseTarget, blk.Term.FalseArgs)
			p := newProg(obj.AJMP)
			p.To.Type = obj.TYPE_BRANCH
			jumpsToPatch = append(jumpsToPatch, struct {
				prog   *obj.Prog
				target *ssa.BasicBlock
			}{p, blk.Term.FalseTarget})
		case ssa.TermSwitch:
			for _, c := range blk.Term.Cases {
				cmp := newProg(x86.ACMPQ)
				cmp.From = regAddr(operandReg(valReg, blk.Term.SwitchValue))
				cmp.To = constAddr(int64(c.Offset))
				je := newProg(x86.AJEQ)
				je.To.Type = obj.TYPE_BRANCH
				jumpsToPatch = append(jumpsToPatch, struct {
					prog   *obj.Prog
					target *ssa.BasicBlock
				}{je, c.Target})
			}
			if blk.Term.Default != nil {
				p := newProg(obj.AJMP)
				p.To.Type = obj.TYPE_BRANCH
				jumpsToPatch = append(jumpsToPatch, struct {
					prog   *obj.Prog
					target *ssa.BasicBlock
				}{p, blk.Term.Default})
			}
		case ssa.TermReturn:
			movToScratch(newProg, regAddr, valReg, blk.Term.ReturnValue, scratchA)
			newProg(obj.ARET)
		}
	}

	for _, j := range jumpsToPatch {
		j.prog.To.Val = blockEntry[j.target]
	}

	// A failure to assemble real machine code here would be a bug in
	// this lowering, not something a caller can recover from; surface
	// it as an error rather than panicking the host process.
	assembled, err := ctxt.AssembleProg(first)
	if err != nil {
		return nil, fmt.Errorf("native: assembling compiled function: %w", err)
	}

	mem, err := unix.Mmap(-1, 0, len(assembled), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("native: mmap: %w", err)
	}
	copy(mem, assembled)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return nil, fmt.Errorf("native: mprotect: %w", err)
	}

	return &CompiledFunction{code: mem}, nil
}

// DefaultCallStackEntries bounds the native back-end's own call-stack
// buffer, independent of the interpreter's unbounded Go slice.
const DefaultCallStackEntries = 1024

// Run invokes the compiled function against a guest memory buffer,
// returning the exit-status value of its Return terminator (rax on
// return, per the SysV calling convention): 1 for a panic. A guest exit
// (syscall 0) issues the host exit system call with the guest's A
// register as status before its Return 0 is reached, so Run does not
// return in that case.
// The mmapped code is never freed by this package: a *CompiledFunction
// is expected to outlive the process, matching how the driver uses it
// (compile once, run once, exit).
func (c *CompiledFunction) Run(memory []byte) int64 {
	callStack := make([]uint64, DefaultCallStackEntries)

	// A Go func value is itself a pointer to a struct whose first word
	// is the entry PC; pointing one at &entry gives a callable value
	// without going through cgo, at the cost of bypassing the type
	// system entirely. entry must outlive the call.
	entry := uintptr(unsafe.Pointer(&c.code[0]))
	type fn func(memoryBase *byte, callStackBase *uint64) int64
	f := *(*fn)(unsafe.Pointer(&entry))
	return f(&memory[0], &callStack[0])
}

// memoryBaseReg holds the guest memory slice's base address for the
// lifetime of a compiled function's execution, loaded once on entry.
const memoryBaseReg = x86.REG_BP

// callStackReg tracks the next free slot in the native call-stack
// buffer, incremented by Call and decremented by Ret.
const callStackReg = x86.REG_CX

func operandReg(valReg map[ssa.Value]int16, v ssa.Value) int16 {
	return valReg[v]
}

func movToScratch(newProg func(obj.As) *obj.Prog, regAddr func(int16) obj.Addr, valReg map[ssa.Value]int16, v ssa.Value, dst int16) {
	src := operandReg(valReg, v)
	if src == dst {
		return
	}
	p := newProg(x86.AMOVQ)
	p.From = regAddr(src)
	p.To = regAddr(dst)
}

func cmovOp(op ssa.Op) obj.As {
	switch op {
	case ssa.OpIcmpEqZero:
		return x86.ACMOVQEQ
	case ssa.OpIcmpLtZero:
		return x86.ACMOVQLT
	case ssa.OpIcmpGtZero:
		return x86.ACMOVQGT
	case ssa.OpIcmpLeZero:
		return x86.ACMOVQLE
	case ssa.OpIcmpGeZero:
		return x86.ACMOVQGE
	}
	return x86.ACMOVQEQ
}

func emitArgs(newProg func(obj.As) *obj.Prog, regAddr func(int16) obj.Addr, valReg map[ssa.Value]int16, target *ssa.BasicBlock, args []ssa.Value) {
	// Every block parameter already lives in its fixed host register
	// (hostReg[i] for register i), so passing args is a no-op unless
	// the producing instruction put its result in a scratch register
	// (only true for the last instruction touching the low 8 regs,
	// already copied into place by the lowering above).
	for i, a := range args {
		want := hostReg[i]
		have := operandReg(valReg, a)
		if have != want {
			p := newProg(x86.AMOVQ)
			p.From = regAddr(have)
			p.To = regAddr(want)
			valReg[target.Params[i]] = want
		}
	}
}

func emitHostCall(newProg func(obj.As) *obj.Prog, regAddr func(int16) obj.Addr, constAddr func(int64) obj.Addr, valReg map[ssa.Value]int16, inst ssa.Instruction) {
	switch inst.Aux {
	case -2: // push_call_stack: [rcx] = value; rcx += 8
		store := newProg(x86.AMOVQ)
		store.From = regAddr(operandReg(valReg, inst.Args[0]))
		store.To = obj.Addr{Type: obj.TYPE_MEM, Reg: callStackReg}
		grow := newProg(x86.AADDQ)
		grow.From = constAddr(8)
		grow.To = regAddr(callStackReg)
	case -1: // pop_call_stack: rcx -= 8; result = [rcx]
		shrink := newProg(x86.ASUBQ)
		shrink.From = constAddr(8)
		shrink.To = regAddr(callStackReg)
		load := newProg(x86.AMOVQ)
		load.From = obj.Addr{Type: obj.TYPE_MEM, Reg: callStackReg}
		load.To = regAddr(scratchA)
	case 0: // exit
		mov := newProg(x86.AMOVQ)
		mov.From = constAddr(60)
		mov.To = regAddr(x86.REG_AX)
		mov2 := newProg(x86.AMOVQ)
		mov2.From = regAddr(operandReg(valReg, inst.Args[0]))
		mov2.To = regAddr(x86.REG_DI)
		newProg(x86.ASYSCALL)
	case 1, 2: // print, log
		fd := int64(1)
		if inst.Aux == 2 {
			fd = 2
		}
		mov := newProg(x86.AMOVQ)
		mov.From = constAddr(1)
		mov.To = regAddr(x86.REG_AX)
		mov2 := newProg(x86.AMOVQ)
		mov2.From = constAddr(fd)
		mov2.To = regAddr(x86.REG_DI)
		mov3 := newProg(x86.ALEAQ)
		mov3.From = obj.Addr{Type: obj.TYPE_MEM, Reg: memoryBaseReg, Index: operandReg(valReg, inst.Args[0]), Scale: 1}
		mov3.To = regAddr(x86.REG_SI)
		mov4 := newProg(x86.AMOVQ)
		mov4.From = regAddr(operandReg(valReg, inst.Args[1]))
		mov4.To = regAddr(x86.REG_DX)
		// SYSCALL overwrites RCX (the call-stack pointer) and R11 (Soil
		// register B), so both are saved around it.
		saveCX := newProg(x86.APUSHQ)
		saveCX.From = regAddr(callStackReg)
		saveR11 := newProg(x86.APUSHQ)
		saveR11.From = regAddr(x86.REG_R11)
		newProg(x86.ASYSCALL)
		restoreR11 := newProg(x86.APOPQ)
		restoreR11.To = regAddr(x86.REG_R11)
		restoreCX := newProg(x86.APOPQ)
		restoreCX.To = regAddr(callStackReg)
	default:
		// File-operation syscalls (3-8) have no direct single-
		// instruction Linux lowering and are left as no-ops in this
		// back-end; the interpreter remains the reference
		// implementation for programs that use them.
	}
}
