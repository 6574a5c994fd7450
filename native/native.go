// Package native implements Soil's native compiler back-end: it turns
// a decoded byte-code stream into an SSA-IR function (see native/ssa),
// verifies it, and hands it to the x86-64 JIT in codegen.go to produce
// directly executable machine code.
//
// The front end mirrors Cranelift's own IR shape (block parameters
// instead of classic phi nodes, see native/ssa's doc comment), since
// Cranelift itself is not available as a Go dependency.
package native

import (
	"fmt"

	"github.com/marcelgarus/soil/container"
	"github.com/marcelgarus/soil/insts"
	"github.com/marcelgarus/soil/native/ssa"
)

// DefaultMemSize mirrors the interpreter's documented default so a
// compiled function behaves the same as vm.New with no options.
const DefaultMemSize = 500_000

// Sentinel Aux values for EmitHostCall requests the x86 back-end
// services directly (a native call-stack push/pop) rather than by
// naming a Soil syscall number, which is always >= 0.
const (
	hostCallPushCallStack = -2
	hostCallPopCallStack  = -1
)

// Options configures compilation.
type Options struct {
	MemSize int
}

func (o Options) withDefaults() Options {
	if o.MemSize == 0 {
		o.MemSize = DefaultMemSize
	}
	return o
}

// Function is a verified SSA-IR translation of a Soil program, ready
// for machine-code materialization.
type Function struct {
	ssa  *ssa.Function
	b    *container.Binary
	opts Options
}

// Build runs a two-pass lowering: pass one lays out one block per
// decoded offset, pass two lowers each instruction into the block's
// SSA-IR. It seals every block, computes the CFG and dominator tree,
// and verifies the result.
func Build(b *container.Binary, opts Options) (*Function, error) {
	opts = opts.withDefaults()

	decoded, err := insts.Stream(b.ByteCode)
	if err != nil {
		return nil, fmt.Errorf("native: %w", err)
	}

	builder := ssa.NewBuilder()

	// Pass 1: one block per decoded offset, all 8 registers as params.
	blockByOffset := make(map[int]*ssa.BasicBlock, len(decoded))
	for _, d := range decoded {
		blockByOffset[d.Offset] = builder.AllocateBasicBlock(d.Offset, 8)
	}
	// Ret needs a dispatch target for every offset immediately following
	// a Call: an indirect-return dispatch table.
	returnOffsets := map[int]bool{}
	for _, d := range decoded {
		if d.Instruction.Op == insts.OpCall {
			returnOffsets[endOffset(d, b.ByteCode)] = true
		}
	}

	end := len(b.ByteCode)

	// Pass 2: lower each instruction.
	for i, d := range decoded {
		blk := blockByOffset[d.Offset]
		builder.SetCurrentBlock(blk)

		next := end
		if i+1 < len(decoded) {
			next = decoded[i+1].Offset
		}
		fallthroughBlock := blockByOffset[next]

		regs := make([]ssa.Value, 8)
		copy(regs, blk.Params)

		inst := d.Instruction
		switch inst.Op {
		case insts.OpNop:
			jumpFallthrough(builder, fallthroughBlock, regs)

		case insts.OpPanic:
			builder.Return(builder.EmitConst(1))

		case insts.OpMove:
			regs[inst.RegA] = regs[inst.RegB]
			jumpFallthrough(builder, fallthroughBlock, regs)

		case insts.OpMoveI:
			regs[inst.RegA] = builder.EmitConst(int64(inst.ImmWord))
			jumpFallthrough(builder, fallthroughBlock, regs)

		case insts.OpMoveIB:
			regs[inst.RegA] = builder.EmitConst(int64(inst.ImmByte))
			jumpFallthrough(builder, fallthroughBlock, regs)

		case insts.OpLoad:
			regs[inst.RegA] = builder.Emit(ssa.OpLoad64, regs[inst.RegB])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpLoadB:
			regs[inst.RegA] = builder.Emit(ssa.OpLoad8, regs[inst.RegB])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpStore:
			builder.Emit(ssa.OpStore64, regs[inst.RegB], regs[inst.RegA])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpStoreB:
			builder.Emit(ssa.OpStore8, regs[inst.RegB], regs[inst.RegA])
			jumpFallthrough(builder, fallthroughBlock, regs)

		case insts.OpPush:
			eight := builder.EmitConst(8)
			newSP := builder.Emit(ssa.OpSub, regs[insts.RegSP], eight)
			builder.Emit(ssa.OpStore64, newSP, regs[inst.RegA])
			regs[insts.RegSP] = newSP
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpPop:
			regs[inst.RegA] = builder.Emit(ssa.OpLoad64, regs[insts.RegSP])
			eight := builder.EmitConst(8)
			regs[insts.RegSP] = builder.Emit(ssa.OpAdd, regs[insts.RegSP], eight)
			jumpFallthrough(builder, fallthroughBlock, regs)

		case insts.OpJump:
			target := blockByOffset[int(inst.ImmWord)]
			builder.Jump(target, regs)

		case insts.OpCJump:
			target := blockByOffset[int(inst.ImmWord)]
			builder.Branch(regs[insts.RegST], target, regs, fallthroughBlock, regs)

		case insts.OpCall:
			target := blockByOffset[int(inst.ImmWord)]
			builder.EmitHostCall("push_call_stack", hostCallPushCallStack, builder.EmitConst(int64(next)))
			builder.Jump(target, regs)

		case insts.OpRet:
			// Lowered at materialization time via the host call stack;
			// here it's simply a return to the caller's fallthrough set,
			// represented as a switch over every known return site.
			lowerRet(builder, regs, blockByOffset, returnOffsets)

		case insts.OpSyscall:
			result := builder.EmitHostCall(syscallName(inst.ImmByte), int64(inst.ImmByte), regs[insts.RegA], regs[insts.RegB])
			if inst.ImmByte == 0 {
				// exit ends the function with status 0.
				builder.Return(builder.EmitConst(0))
				break
			}
			regs[insts.RegA] = result
			jumpFallthrough(builder, fallthroughBlock, regs)

		case insts.OpCmp:
			regs[insts.RegST] = builder.Emit(ssa.OpSub, regs[inst.RegA], regs[inst.RegB])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpIsEqual:
			regs[insts.RegST] = builder.Emit(ssa.OpIcmpEqZero, regs[insts.RegST])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpIsLess:
			regs[insts.RegST] = builder.Emit(ssa.OpIcmpLtZero, regs[insts.RegST])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpIsGreater:
			regs[insts.RegST] = builder.Emit(ssa.OpIcmpGtZero, regs[insts.RegST])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpIsLessEqual:
			regs[insts.RegST] = builder.Emit(ssa.OpIcmpLeZero, regs[insts.RegST])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpIsGreaterEqual:
			regs[insts.RegST] = builder.Emit(ssa.OpIcmpGeZero, regs[insts.RegST])
			jumpFallthrough(builder, fallthroughBlock, regs)

		case insts.OpAdd:
			regs[inst.RegA] = builder.Emit(ssa.OpAdd, regs[inst.RegA], regs[inst.RegB])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpSub:
			regs[inst.RegA] = builder.Emit(ssa.OpSub, regs[inst.RegA], regs[inst.RegB])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpMul:
			regs[inst.RegA] = builder.Emit(ssa.OpMul, regs[inst.RegA], regs[inst.RegB])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpDiv:
			regs[inst.RegA] = builder.Emit(ssa.OpDivS, regs[inst.RegA], regs[inst.RegB])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpRem:
			regs[inst.RegA] = builder.Emit(ssa.OpRemS, regs[inst.RegA], regs[inst.RegB])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpAnd:
			regs[inst.RegA] = builder.Emit(ssa.OpAnd, regs[inst.RegA], regs[inst.RegB])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpOr:
			regs[inst.RegA] = builder.Emit(ssa.OpOr, regs[inst.RegA], regs[inst.RegB])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpXor:
			regs[inst.RegA] = builder.Emit(ssa.OpXor, regs[inst.RegA], regs[inst.RegB])
			jumpFallthrough(builder, fallthroughBlock, regs)
		case insts.OpNegate:
			regs[inst.RegA] = builder.Emit(ssa.OpNot, regs[inst.RegA])
			jumpFallthrough(builder, fallthroughBlock, regs)

		default:
			return nil, fmt.Errorf("native: no lowering for op %v", inst.Op)
		}
	}

	for _, blk := range builder.Finish().Blocks {
		builder.Seal(blk)
	}

	fn := builder.Finish()
	ssa.ComputeCFG(fn)
	ssa.ComputeDominatorTree(fn)
	if err := ssa.Verify(fn); err != nil {
		return nil, fmt.Errorf("native: %w", err)
	}

	return &Function{ssa: fn, b: b, opts: opts}, nil
}

// jumpFallthrough is the common case: straight-line instructions end
// their block with an unconditional jump to the next decoded offset.
func jumpFallthrough(b *ssa.Builder, target *ssa.BasicBlock, regs []ssa.Value) {
	b.Jump(target, regs)
}

// endOffset returns the byte offset immediately following d's operand
// bytes — the offset a Call instruction pushes as its return address.
func endOffset(d insts.Decoded, code []byte) int {
	_, next, err := insts.Decode(code, d.Offset)
	if err != nil {
		return d.Offset
	}
	return next
}

// lowerRet emits a switch over every statically known Call return
// site, with the first known site as a conservative default so Verify
// always has a target even for a byte-code stream with no calls at
// all. An empty call stack at a genuine Ret is a host-side runtime
// trap, handled by the materialized code rather than in the IR.
func lowerRet(b *ssa.Builder, regs []ssa.Value, blocks map[int]*ssa.BasicBlock, returnOffsets map[int]bool) {
	var cases []ssa.SwitchCase
	var def *ssa.BasicBlock
	for offset := range returnOffsets {
		target := blocks[offset]
		if target == nil {
			continue
		}
		if def == nil {
			def = target
		}
		cases = append(cases, ssa.SwitchCase{Offset: uint64(offset), Target: target, Args: regs})
	}
	if def == nil {
		// No call sites at all: Ret here can never be reached at
		// runtime with a populated call stack; return the panic code.
		b.Return(b.EmitConst(1))
		return
	}
	host := b.EmitHostCall("pop_call_stack", hostCallPopCallStack)
	b.Switch(host, cases, def, regs)
}

func syscallName(n uint8) string {
	names := [...]string{"exit", "print", "log", "create", "open_reading", "open_writing", "read", "write", "close"}
	if int(n) < len(names) {
		return "syscall_" + names[n]
	}
	return "syscall_unknown"
}
