package insts_test

import (
	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcelgarus/soil/insts"
)

var _ = Describe("Decode", func() {
	DescribeTable("decodes each instruction shape",
		func(inst insts.Instruction) {
			code := insts.Encode(inst)
			decoded, next, err := insts.Decode(code, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(next).To(Equal(len(code)))
			Expect(cmp.Diff(inst, decoded)).To(BeEmpty())
		},
		Entry("nop", insts.Instruction{Op: insts.OpNop}),
		Entry("panic", insts.Instruction{Op: insts.OpPanic}),
		Entry("move", insts.Instruction{Op: insts.OpMove, RegA: insts.RegA, RegB: insts.RegB}),
		Entry("move_i", insts.Instruction{Op: insts.OpMoveI, RegA: insts.RegA, ImmWord: 0xdeadbeef}),
		Entry("move_ib", insts.Instruction{Op: insts.OpMoveIB, RegA: insts.RegA, ImmByte: 42}),
		Entry("load", insts.Instruction{Op: insts.OpLoad, RegA: insts.RegB, RegB: insts.RegC}),
		Entry("load_b", insts.Instruction{Op: insts.OpLoadB, RegA: insts.RegB, RegB: insts.RegC}),
		Entry("store", insts.Instruction{Op: insts.OpStore, RegA: insts.RegB, RegB: insts.RegC}),
		Entry("store_b", insts.Instruction{Op: insts.OpStoreB, RegA: insts.RegB, RegB: insts.RegC}),
		Entry("push", insts.Instruction{Op: insts.OpPush, RegA: insts.RegA}),
		Entry("pop", insts.Instruction{Op: insts.OpPop, RegA: insts.RegA}),
		Entry("jump", insts.Instruction{Op: insts.OpJump, ImmWord: 100}),
		Entry("cjump", insts.Instruction{Op: insts.OpCJump, ImmWord: 100}),
		Entry("call", insts.Instruction{Op: insts.OpCall, ImmWord: 100}),
		Entry("ret", insts.Instruction{Op: insts.OpRet}),
		Entry("syscall", insts.Instruction{Op: insts.OpSyscall, ImmByte: 1}),
		Entry("cmp", insts.Instruction{Op: insts.OpCmp, RegA: insts.RegA, RegB: insts.RegB}),
		Entry("is_equal", insts.Instruction{Op: insts.OpIsEqual}),
		Entry("is_less", insts.Instruction{Op: insts.OpIsLess}),
		Entry("is_greater", insts.Instruction{Op: insts.OpIsGreater}),
		Entry("is_less_equal", insts.Instruction{Op: insts.OpIsLessEqual}),
		Entry("is_greater_equal", insts.Instruction{Op: insts.OpIsGreaterEqual}),
		Entry("add", insts.Instruction{Op: insts.OpAdd, RegA: insts.RegA, RegB: insts.RegB}),
		Entry("sub", insts.Instruction{Op: insts.OpSub, RegA: insts.RegA, RegB: insts.RegB}),
		Entry("mul", insts.Instruction{Op: insts.OpMul, RegA: insts.RegA, RegB: insts.RegB}),
		Entry("div", insts.Instruction{Op: insts.OpDiv, RegA: insts.RegA, RegB: insts.RegB}),
		Entry("rem", insts.Instruction{Op: insts.OpRem, RegA: insts.RegA, RegB: insts.RegB}),
		Entry("and", insts.Instruction{Op: insts.OpAnd, RegA: insts.RegA, RegB: insts.RegB}),
		Entry("or", insts.Instruction{Op: insts.OpOr, RegA: insts.RegA, RegB: insts.RegB}),
		Entry("xor", insts.Instruction{Op: insts.OpXor, RegA: insts.RegA, RegB: insts.RegB}),
		Entry("negate", insts.Instruction{Op: insts.OpNegate, RegA: insts.RegA}),
	)

	It("rejects an unknown opcode", func() {
		_, _, err := insts.Decode([]byte{0xff}, 0)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a malformed register id", func() {
		_, _, err := insts.Decode([]byte{0xd7, 0x09}, 0)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a truncated multi-byte operand", func() {
		_, _, err := insts.Decode([]byte{0xf0, 0x01, 0x02}, 0)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Stream", func() {
	It("yields (offset, instruction) pairs for the minimal-exit program", func() {
		code := []byte{
			0xd2, 0x02, 0x2a, // MoveIB A, 42
			0xd2, 0x03, 0x00, // MoveIB B, 0
			0xf4, 0x01, // Syscall 1 (print)
			0xd2, 0x02, 0x00, // MoveIB A, 0
			0xf4, 0x00, // Syscall 0 (exit)
		}
		decoded, err := insts.Stream(code)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded).To(HaveLen(5))
		Expect(decoded[0].Offset).To(Equal(0))
		Expect(decoded[1].Offset).To(Equal(3))
		Expect(decoded[2].Offset).To(Equal(6))
		Expect(decoded[4].Instruction.Op).To(Equal(insts.OpSyscall))
		Expect(decoded[4].Instruction.ImmByte).To(Equal(uint8(0)))
	})

	It("fails the whole stream on an unknown opcode, before any partial result is used", func() {
		code := []byte{0x00, 0xff}
		_, err := insts.Stream(code)
		Expect(err).To(HaveOccurred())
	})
})
