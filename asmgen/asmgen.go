// Package asmgen lowers a decoded Soil instruction stream into flat,
// fasm-flavored x86-64 assembly text, the toolchain's text-assembly
// back-end. Mul lowers to two-operand imul and Div/Rem to cqo plus
// single-operand idiv, and the exit syscall forwards the guest's chosen
// exit code instead of hardcoding zero.
package asmgen

import (
	"fmt"
	"strings"

	"github.com/marcelgarus/soil/container"
	"github.com/marcelgarus/soil/insts"
)

// DefaultMemSize is the assembly back-end's default memory size.
const DefaultMemSize = 1000

// DefaultCallStackEntries is the default call-stack region size.
const DefaultCallStackEntries = 1024

// Options configures the generated program.
type Options struct {
	// MemSize sizes both the SP-init immediate and the memory data
	// label's zero-fill length.
	MemSize int
	// CallStackEntries sizes the call-stack data region.
	CallStackEntries int
}

func (o Options) withDefaults() Options {
	if o.MemSize == 0 {
		o.MemSize = DefaultMemSize
	}
	if o.CallStackEntries == 0 {
		o.CallStackEntries = DefaultCallStackEntries
	}
	return o
}

// hostReg is the fixed Soil-register -> host-register mapping.
var hostReg = map[insts.Reg]string{
	insts.RegSP: "r8",
	insts.RegST: "r9",
	insts.RegA:  "r10",
	insts.RegB:  "r11",
	insts.RegC:  "r12",
	insts.RegD:  "r13",
	insts.RegE:  "r14",
	insts.RegF:  "r15",
}

var allRegsInOrder = []insts.Reg{
	insts.RegSP, insts.RegST, insts.RegA, insts.RegB,
	insts.RegC, insts.RegD, insts.RegE, insts.RegF,
}

// Generate lowers b into a single fasm-syntax assembly text targeting
// Linux x86-64, ready to hand to a flat assembler.
func Generate(b *container.Binary, opts Options) (string, error) {
	opts = opts.withDefaults()

	decoded, err := insts.Stream(b.ByteCode)
	if err != nil {
		return "", fmt.Errorf("asmgen: %w", err)
	}

	var out strings.Builder
	out.WriteString("; fasm\n")
	out.WriteString("format ELF64 executable\n")
	out.WriteString("segment readable executable\n")

	for _, r := range allRegsInOrder {
		init := 0
		if r == insts.RegSP {
			init = opts.MemSize
		}
		fmt.Fprintf(&out, "%7smov %s, %d\n", "", hostReg[r], init)
	}

	for _, d := range decoded {
		fmt.Fprintf(&out, "%7s", fmt.Sprintf("i%d: ", d.Offset))
		if err := emit(&out, d.Instruction); err != nil {
			return "", fmt.Errorf("asmgen: %w", err)
		}
	}

	writeEpilogue(&out, b, opts)

	return out.String(), nil
}

func emit(out *strings.Builder, inst insts.Instruction) error {
	reg := func(r insts.Reg) string { return hostReg[r] }

	switch inst.Op {
	case insts.OpNop:
		out.WriteString("\n")
	case insts.OpPanic:
		out.WriteString("call panic\n")
	case insts.OpMove:
		fmt.Fprintf(out, "mov %s, %s\n", reg(inst.RegA), reg(inst.RegB))
	case insts.OpMoveI:
		fmt.Fprintf(out, "mov %s, %d\n", reg(inst.RegA), int64(inst.ImmWord))
	case insts.OpMoveIB:
		fmt.Fprintf(out, "mov %s, %d\n", reg(inst.RegA), inst.ImmByte)
	case insts.OpLoad:
		fmt.Fprintf(out, "mov %s, [memory + %s]\n", reg(inst.RegA), reg(inst.RegB))
	case insts.OpLoadB:
		fmt.Fprintf(out, "mov %sb, [memory + %s]\n", reg(inst.RegA), reg(inst.RegB))
	case insts.OpStore:
		fmt.Fprintf(out, "mov [memory + %s], %s\n", reg(inst.RegB), reg(inst.RegA))
	case insts.OpStoreB:
		fmt.Fprintf(out, "mov [memory + %s], %sb\n", reg(inst.RegB), reg(inst.RegA))
	case insts.OpPush:
		fmt.Fprintf(out, "push %s\n", reg(inst.RegA))
	case insts.OpPop:
		fmt.Fprintf(out, "pop %s\n", reg(inst.RegA))
	case insts.OpJump:
		fmt.Fprintf(out, "jmp i%d\n", inst.ImmWord)
	case insts.OpCJump:
		// ST != 0 branches, matching the interpreter.
		out.WriteString("cmp r9, 0\n")
		fmt.Fprintf(out, "%7sjnz i%d\n", "", inst.ImmWord)
	case insts.OpCall:
		fmt.Fprintf(out, "call i%d\n", inst.ImmWord)
	case insts.OpRet:
		out.WriteString("ret\n")
	case insts.OpSyscall:
		fmt.Fprintf(out, "call syscall_%d\n", inst.ImmByte)
	case insts.OpCmp:
		fmt.Fprintf(out, "mov r9, %s\n", reg(inst.RegA))
		fmt.Fprintf(out, "%7ssub r9, %s\n", "", reg(inst.RegB))
	case insts.OpIsEqual:
		emitCmov(out, "cmove", "cmovne")
	case insts.OpIsLess:
		emitCmov(out, "cmovl", "cmovge")
	case insts.OpIsGreater:
		emitCmov(out, "cmovg", "cmovle")
	case insts.OpIsLessEqual:
		emitCmov(out, "cmovle", "cmovg")
	case insts.OpIsGreaterEqual:
		emitCmov(out, "cmovge", "cmovl")
	case insts.OpAdd:
		fmt.Fprintf(out, "add %s, %s\n", reg(inst.RegA), reg(inst.RegB))
	case insts.OpSub:
		fmt.Fprintf(out, "sub %s, %s\n", reg(inst.RegA), reg(inst.RegB))
	case insts.OpMul:
		// imul takes a two-operand register,register form; a plain
		// two-operand "mul" is not a legal x86-64 encoding.
		fmt.Fprintf(out, "imul %s, %s\n", reg(inst.RegA), reg(inst.RegB))
	case insts.OpDiv:
		emitDivRem(out, inst.RegA, inst.RegB, reg(inst.RegA))
	case insts.OpRem:
		emitDivRem(out, inst.RegA, inst.RegB, "rdx")
	case insts.OpAnd:
		fmt.Fprintf(out, "and %s, %s\n", reg(inst.RegA), reg(inst.RegB))
	case insts.OpOr:
		fmt.Fprintf(out, "or %s, %s\n", reg(inst.RegA), reg(inst.RegB))
	case insts.OpXor:
		fmt.Fprintf(out, "xor %s, %s\n", reg(inst.RegA), reg(inst.RegB))
	case insts.OpNegate:
		// Bitwise complement, not arithmetic negation.
		fmt.Fprintf(out, "not %s\n", reg(inst.RegA))
	default:
		return fmt.Errorf("no lowering for op %v", inst.Op)
	}
	return nil
}

// emitCmov lowers an IsX comparison: rax=0, rbx=1, then move 1 into r9
// when the condition holds, else 0.
func emitCmov(out *strings.Builder, taken, notTaken string) {
	out.WriteString("mov rax, 0\n")
	fmt.Fprintf(out, "%7smov rbx, 1\n", "")
	fmt.Fprintf(out, "%7s%s r9, rbx\n", "", taken)
	fmt.Fprintf(out, "%7s%s r9, rax\n", "", notTaken)
}

// emitDivRem lowers Div/Rem to a sign-extend-then-idiv sequence: the
// dividend is sign-extended from RegA into rdx:rax via cqo, divided by
// RegB, and the quotient (rax) or remainder (rdx) is moved into the
// result register. A two-operand "div a, b" form is not valid x86-64;
// real idiv takes a single divisor operand against the fixed rdx:rax
// pair.
func emitDivRem(out *strings.Builder, dst, src insts.Reg, resultReg string) {
	fmt.Fprintf(out, "mov rax, %s\n", hostReg[dst])
	fmt.Fprintf(out, "%7scqo\n", "")
	fmt.Fprintf(out, "%7sidiv %s\n", "", hostReg[src])
	fmt.Fprintf(out, "%7smov %s, %s\n", "", hostReg[dst], resultReg)
}

func writeEpilogue(out *strings.Builder, b *container.Binary, opts Options) {
	fmt.Fprintf(out, "%7s", "panic:")
	out.WriteString("mov rax, 60\n")
	fmt.Fprintf(out, "%7smov rdi, 1\n", "")
	fmt.Fprintf(out, "%7ssyscall\n", "")
	fmt.Fprintf(out, "%7sret\n", "")

	saveRegs := func() {
		for _, r := range allRegsInOrder {
			fmt.Fprintf(out, "%7spush %s\n", "", hostReg[r])
		}
	}
	restoreRegs := func() {
		for i := len(allRegsInOrder) - 1; i >= 0; i-- {
			fmt.Fprintf(out, "%7spop %s\n", "", hostReg[allRegsInOrder[i]])
		}
	}

	out.WriteString("syscall_0: ; exit\n")
	fmt.Fprintf(out, "%7smov rax, 60\n", "")
	fmt.Fprintf(out, "%7smov rdi, r10\n", "") // forward the guest's exit code (r[A])
	fmt.Fprintf(out, "%7ssyscall\n", "")

	out.WriteString("syscall_1: ; print\n")
	saveRegs()
	fmt.Fprintf(out, "%7smov rax, 1\n", "")
	fmt.Fprintf(out, "%7smov rdi, 1\n", "")
	fmt.Fprintf(out, "%7smov rsi, r10\n", "")
	fmt.Fprintf(out, "%7sadd rsi, memory\n", "")
	fmt.Fprintf(out, "%7smov rdx, r11\n", "")
	fmt.Fprintf(out, "%7ssyscall\n", "")
	restoreRegs()
	fmt.Fprintf(out, "%7sret\n", "")

	out.WriteString("syscall_2: ; log\n")
	saveRegs()
	fmt.Fprintf(out, "%7smov rax, 1\n", "")
	fmt.Fprintf(out, "%7smov rdi, 2\n", "")
	fmt.Fprintf(out, "%7smov rsi, r10\n", "")
	fmt.Fprintf(out, "%7sadd rsi, memory\n", "")
	fmt.Fprintf(out, "%7smov rdx, r11\n", "")
	fmt.Fprintf(out, "%7ssyscall\n", "")
	restoreRegs()
	fmt.Fprintf(out, "%7sret\n", "")

	out.WriteString("segment readable writable\n")
	out.WriteString("call_stack:\n")
	fmt.Fprintf(out, "  dq %d dup 8\n", opts.CallStackEntries)
	out.WriteString(".len:\n")
	out.WriteString("  dq 0\n")
	out.WriteString("memory:\n")
	if len(b.Memory) > 0 {
		out.WriteString("  db")
		for i, byt := range b.Memory {
			if i > 0 {
				out.WriteString(",")
			}
			fmt.Fprintf(out, " %d", byt)
		}
		out.WriteString("\n")
	}
	fmt.Fprintf(out, "  db %d dup 0", opts.MemSize-len(b.Memory))
}
