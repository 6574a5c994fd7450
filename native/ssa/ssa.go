// Package ssa is a small SSA builder scoped to Soil's native back-end.
// Unlike a general-purpose compiler IR that must support arbitrary,
// not-yet-known control flow (and therefore lazy variable resolution
// across unsealed blocks), Soil's block topology is fully known after
// a single forward decode pass: one basic block per decoded byte
// offset. So instead of per-variable phi placement, every block simply
// takes one parameter per Soil register — its incoming register state
// — and every branch passes the current register values as arguments.
// This is the block-parameter IR shape used by Cranelift rather than
// classic phi nodes; the builder API itself (NewBuilder,
// AllocateBasicBlock, Seal, ComputeCFG, ComputeDominatorTree, Verify)
// is shaped after wazero's internal SSA package, which is unexported
// and so could not be imported directly.
package ssa

import "fmt"

// Value identifies an SSA value: either a block parameter or the
// result of an Instruction.
type Value int

// Op identifies what an Instruction computes.
type Op int

const (
	OpConst Op = iota
	OpAdd
	OpSub
	OpMul
	OpDivS
	OpRemS
	OpAnd
	OpOr
	OpXor
	OpNot
	OpSub0 // 0 - x, used nowhere directly but kept for symmetry with Negate's complement form
	OpLoad64
	OpLoad8
	OpStore64
	OpStore8
	OpIcmpEqZero
	OpIcmpLtZero
	OpIcmpGtZero
	OpIcmpLeZero
	OpIcmpGeZero
	OpHostCall // call a named host runtime routine (syscall_n)
)

// Instruction is one SSA operation: Op applied to Args, producing
// Result (the zero Value if the op has no result, e.g. a store).
type Instruction struct {
	Op     Op
	Args   []Value
	Result Value
	Aux    int64  // constant payload for OpConst, syscall number for OpHostCall
	Name   string // host routine name for OpHostCall
}

// Terminator ends a BasicBlock. Exactly one of the branch kinds below
// is set.
type Terminator struct {
	Kind TerminatorKind

	// Jump / fallthrough.
	Target     *BasicBlock
	TargetArgs []Value

	// Conditional branch: non-zero Cond branches to TrueTarget, else
	// FalseTarget.
	Cond            Value
	TrueTarget      *BasicBlock
	TrueArgs        []Value
	FalseTarget     *BasicBlock
	FalseArgs       []Value

	// Switch: dispatches on Value to one case block per stored return
	// offset, used to lower an indirect return.
	SwitchValue Value
	Cases       []SwitchCase
	Default     *BasicBlock
	DefaultArgs []Value

	// Return from the compiled function with an exit-status byte.
	ReturnValue Value
}

// SwitchCase is one arm of a Ret dispatch table.
type SwitchCase struct {
	Offset uint64
	Target *BasicBlock
	Args   []Value
}

// TerminatorKind distinguishes the terminator variants above.
type TerminatorKind int

const (
	TermNone TerminatorKind = iota
	TermJump
	TermBranch
	TermSwitch
	TermReturn
)

// BasicBlock is one node of the function's CFG, keyed by the Soil
// byte-code offset it was laid out for.
type BasicBlock struct {
	Offset       int
	Params       []Value
	Instructions []Instruction
	Term         Terminator

	sealed bool
	preds  []*BasicBlock
	succs  []*BasicBlock
	idom   *BasicBlock
}

// Preds returns this block's predecessors, populated by ComputeCFG.
func (b *BasicBlock) Preds() []*BasicBlock { return b.preds }

// Succs returns this block's successors, populated by ComputeCFG.
func (b *BasicBlock) Succs() []*BasicBlock { return b.succs }

// IDom returns this block's immediate dominator, populated by
// ComputeDominatorTree. The entry block's IDom is nil.
func (b *BasicBlock) IDom() *BasicBlock { return b.idom }

// Function is a complete SSA-IR function: its blocks, in layout order,
// and the designated entry block.
type Function struct {
	Blocks []*BasicBlock
	Entry  *BasicBlock

	nextValue Value
}

// Builder constructs a Function incrementally across the front end's
// two decode passes.
type Builder struct {
	fn      *Function
	current *BasicBlock
}

// NewBuilder creates an empty function builder.
func NewBuilder() *Builder {
	return &Builder{fn: &Function{}}
}

// AllocateBasicBlock creates a new block for byte offset offset and numParams
// parameters (Soil always uses 8, one per register). The first
// allocated block becomes the function's entry block.
func (b *Builder) AllocateBasicBlock(offset int, numParams int) *BasicBlock {
	blk := &BasicBlock{Offset: offset}
	for i := 0; i < numParams; i++ {
		blk.Params = append(blk.Params, b.allocValue())
	}
	b.fn.Blocks = append(b.fn.Blocks, blk)
	if b.fn.Entry == nil {
		b.fn.Entry = blk
	}
	return blk
}

func (b *Builder) allocValue() Value {
	v := b.fn.nextValue
	b.fn.nextValue++
	return v
}

// SetCurrentBlock switches which block Emit, EmitConst and EmitHostCall
// append to.
func (b *Builder) SetCurrentBlock(blk *BasicBlock) {
	b.current = blk
}

// CurrentBlock returns the block instructions are currently appended
// to.
func (b *Builder) CurrentBlock() *BasicBlock { return b.current }

// EmitConst appends a constant-materialization instruction and returns
// its result value.
func (b *Builder) EmitConst(v int64) Value {
	return b.emit(Instruction{Op: OpConst, Aux: v})
}

// Emit appends a binary/unary instruction with the given operands and
// returns its result value.
func (b *Builder) Emit(op Op, args ...Value) Value {
	return b.emit(Instruction{Op: op, Args: args})
}

// EmitHostCall appends a call to a named host runtime routine: a
// syscall_n trampoline, or a call-stack push/pop serviced directly by
// the back-end.
func (b *Builder) EmitHostCall(name string, number int64, args ...Value) Value {
	return b.emit(Instruction{Op: OpHostCall, Name: name, Aux: number, Args: args})
}

func (b *Builder) emit(inst Instruction) Value {
	inst.Result = b.allocValue()
	b.current.Instructions = append(b.current.Instructions, inst)
	return inst.Result
}

// Jump terminates the current block with an unconditional branch,
// passing args as target's incoming register state.
func (b *Builder) Jump(target *BasicBlock, args []Value) {
	b.current.Term = Terminator{Kind: TermJump, Target: target, TargetArgs: args}
}

// Branch terminates the current block: non-zero cond branches to
// trueTarget, else falseTarget.
func (b *Builder) Branch(cond Value, trueTarget *BasicBlock, trueArgs []Value, falseTarget *BasicBlock, falseArgs []Value) {
	b.current.Term = Terminator{
		Kind: TermBranch, Cond: cond,
		TrueTarget: trueTarget, TrueArgs: trueArgs,
		FalseTarget: falseTarget, FalseArgs: falseArgs,
	}
}

// Switch terminates the current block with a dispatch table keyed by
// value, used to lower Ret's dynamically chosen target.
func (b *Builder) Switch(value Value, cases []SwitchCase, def *BasicBlock, defArgs []Value) {
	b.current.Term = Terminator{Kind: TermSwitch, SwitchValue: value, Cases: cases, Default: def, DefaultArgs: defArgs}
}

// Return terminates the current block, ending the compiled function
// with the given exit-status byte (0 normal, 1 panic).
func (b *Builder) Return(value Value) {
	b.current.Term = Terminator{Kind: TermReturn, ReturnValue: value}
}

// Seal marks a block's predecessor set as final. Since Soil's CFG is
// fully known after pass 1, sealing here is a completeness marker
// used by Verify rather than a trigger for deferred phi resolution.
func (b *Builder) Seal(blk *BasicBlock) {
	blk.sealed = true
}

// Finish returns the built Function.
func (b *Builder) Finish() *Function {
	return b.fn
}

// ComputeCFG walks every block's terminator and records predecessor/
// successor edges.
func ComputeCFG(fn *Function) {
	for _, blk := range fn.Blocks {
		blk.succs = nil
		blk.preds = nil
	}
	link := func(from, to *BasicBlock) {
		from.succs = append(from.succs, to)
		to.preds = append(to.preds, from)
	}
	for _, blk := range fn.Blocks {
		switch blk.Term.Kind {
		case TermJump:
			link(blk, blk.Term.Target)
		case TermBranch:
			link(blk, blk.Term.TrueTarget)
			link(blk, blk.Term.FalseTarget)
		case TermSwitch:
			for _, c := range blk.Term.Cases {
				link(blk, c.Target)
			}
			if blk.Term.Default != nil {
				link(blk, blk.Term.Default)
			}
		case TermReturn:
			// no successors
		}
	}
}

// ComputeDominatorTree computes each block's immediate dominator via
// the standard iterative fixed-point algorithm, using the layout order
// (pass 1's decode order) as the reverse-postorder approximation — a
// safe choice since Soil's blocks are laid out in increasing byte
// offset and every backward edge is an explicit Jump/CJump, never a
// fallthrough, so layout order is already a valid RPO.
func ComputeDominatorTree(fn *Function) {
	if len(fn.Blocks) == 0 {
		return
	}
	index := make(map[*BasicBlock]int, len(fn.Blocks))
	for i, blk := range fn.Blocks {
		index[blk] = i
	}

	entry := fn.Entry
	entry.idom = entry

	changed := true
	for changed {
		changed = false
		for _, blk := range fn.Blocks {
			if blk == entry {
				continue
			}
			var newIdom *BasicBlock
			for _, p := range blk.preds {
				if p.idom == nil {
					continue
				}
				if newIdom == nil {
					newIdom = p
					continue
				}
				newIdom = intersect(newIdom, p, index)
			}
			if newIdom != nil && blk.idom != newIdom {
				blk.idom = newIdom
				changed = true
			}
		}
	}
	entry.idom = nil
}

func intersect(a, b *BasicBlock, index map[*BasicBlock]int) *BasicBlock {
	for a != b {
		for index[a] > index[b] {
			a = a.idom
		}
		for index[b] > index[a] {
			b = b.idom
		}
	}
	return a
}

// Verify checks structural well-formedness: every block has exactly
// one terminator kind set, every branch target is a block belonging
// to the function, and every branch's argument count matches its
// target's parameter count.
func Verify(fn *Function) error {
	known := make(map[*BasicBlock]bool, len(fn.Blocks))
	for _, blk := range fn.Blocks {
		known[blk] = true
	}
	checkTarget := func(from *BasicBlock, target *BasicBlock, args []Value) error {
		if !known[target] {
			return fmt.Errorf("ssa: block at offset %d branches to a block outside the function", from.Offset)
		}
		if len(args) != len(target.Params) {
			return fmt.Errorf("ssa: block at offset %d passes %d args to block at offset %d expecting %d",
				from.Offset, len(args), target.Offset, len(target.Params))
		}
		return nil
	}

	for _, blk := range fn.Blocks {
		if !blk.sealed {
			return fmt.Errorf("ssa: block at offset %d was never sealed", blk.Offset)
		}
		switch blk.Term.Kind {
		case TermJump:
			if err := checkTarget(blk, blk.Term.Target, blk.Term.TargetArgs); err != nil {
				return err
			}
		case TermBranch:
			if err := checkTarget(blk, blk.Term.TrueTarget, blk.Term.TrueArgs); err != nil {
				return err
			}
			if err := checkTarget(blk, blk.Term.FalseTarget, blk.Term.FalseArgs); err != nil {
				return err
			}
		case TermSwitch:
			for _, c := range blk.Term.Cases {
				if err := checkTarget(blk, c.Target, c.Args); err != nil {
					return err
				}
			}
			if blk.Term.Default != nil {
				if err := checkTarget(blk, blk.Term.Default, blk.Term.DefaultArgs); err != nil {
					return err
				}
			}
		case TermReturn:
			// no targets to check
		default:
			return fmt.Errorf("ssa: block at offset %d has no terminator", blk.Offset)
		}
	}
	return nil
}
