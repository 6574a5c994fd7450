package ssa_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcelgarus/soil/native/ssa"
)

var _ = Describe("Builder", func() {
	It("builds a two-block straight-line function and verifies clean", func() {
		b := ssa.NewBuilder()
		entry := b.AllocateBasicBlock(0, 8)
		exit := b.AllocateBasicBlock(1, 8)

		b.SetCurrentBlock(entry)
		one := b.EmitConst(1)
		sum := b.Emit(ssa.OpAdd, entry.Params[2], one)
		args := append([]ssa.Value{}, entry.Params...)
		args[2] = sum
		b.Jump(exit, args)

		b.SetCurrentBlock(exit)
		b.Return(exit.Params[2])

		for _, blk := range b.Finish().Blocks {
			b.Seal(blk)
		}
		fn := b.Finish()
		ssa.ComputeCFG(fn)
		ssa.ComputeDominatorTree(fn)

		Expect(ssa.Verify(fn)).To(Succeed())
		Expect(entry.Succs()).To(ConsistOf(exit))
		Expect(exit.Preds()).To(ConsistOf(entry))
		Expect(exit.IDom()).To(Equal(entry))
		Expect(entry.IDom()).To(BeNil())
	})

	It("rejects a branch whose argument count doesn't match the target's params", func() {
		b := ssa.NewBuilder()
		entry := b.AllocateBasicBlock(0, 8)
		exit := b.AllocateBasicBlock(1, 8)

		b.SetCurrentBlock(entry)
		b.Jump(exit, entry.Params[:3]) // too few args

		for _, blk := range b.Finish().Blocks {
			b.Seal(blk)
		}
		fn := b.Finish()
		ssa.ComputeCFG(fn)
		ssa.ComputeDominatorTree(fn)

		Expect(ssa.Verify(fn)).To(HaveOccurred())
	})

	It("rejects a block left without a terminator", func() {
		b := ssa.NewBuilder()
		entry := b.AllocateBasicBlock(0, 8)
		b.SetCurrentBlock(entry)
		b.Seal(entry)

		fn := b.Finish()
		ssa.ComputeCFG(fn)
		ssa.ComputeDominatorTree(fn)
		Expect(ssa.Verify(fn)).To(HaveOccurred())
	})

	It("rejects an unsealed block", func() {
		b := ssa.NewBuilder()
		entry := b.AllocateBasicBlock(0, 8)
		b.SetCurrentBlock(entry)
		b.Return(entry.Params[0])

		fn := b.Finish()
		ssa.ComputeCFG(fn)
		ssa.ComputeDominatorTree(fn)
		Expect(ssa.Verify(fn)).To(HaveOccurred())
	})

	It("computes a diamond CFG's dominator tree correctly", func() {
		b := ssa.NewBuilder()
		entry := b.AllocateBasicBlock(0, 8)
		left := b.AllocateBasicBlock(1, 8)
		right := b.AllocateBasicBlock(2, 8)
		join := b.AllocateBasicBlock(3, 8)

		b.SetCurrentBlock(entry)
		b.Branch(entry.Params[1], left, entry.Params, right, entry.Params)
		b.SetCurrentBlock(left)
		b.Jump(join, left.Params)
		b.SetCurrentBlock(right)
		b.Jump(join, right.Params)
		b.SetCurrentBlock(join)
		b.Return(join.Params[0])

		for _, blk := range b.Finish().Blocks {
			b.Seal(blk)
		}
		fn := b.Finish()
		ssa.ComputeCFG(fn)
		ssa.ComputeDominatorTree(fn)
		Expect(ssa.Verify(fn)).To(Succeed())

		Expect(left.IDom()).To(Equal(entry))
		Expect(right.IDom()).To(Equal(entry))
		Expect(join.IDom()).To(Equal(entry))
	})
})
