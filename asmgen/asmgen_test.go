package asmgen_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcelgarus/soil/asmgen"
	"github.com/marcelgarus/soil/container"
	"github.com/marcelgarus/soil/insts"
)

var _ = Describe("Generate", func() {
	It("initializes SP to the configured memory size", func() {
		b := &container.Binary{}
		out, err := asmgen.Generate(b, asmgen.Options{MemSize: 2000})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("mov r8, 2000"))
	})

	It("emits a label per instruction offset", func() {
		b := &container.Binary{ByteCode: insts.Encode(insts.Instruction{Op: insts.OpNop})}
		out, err := asmgen.Generate(b, asmgen.Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("i0: "))
	})

	It("lowers CJump to a branch-when-nonzero idiom", func() {
		b := &container.Binary{ByteCode: insts.Encode(insts.Instruction{Op: insts.OpCJump, ImmWord: 0})}
		out, err := asmgen.Generate(b, asmgen.Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("cmp r9, 0"))
		Expect(out).To(ContainSubstring("jnz i0"))
	})

	It("forwards the guest's exit code instead of hardcoding it", func() {
		b := &container.Binary{}
		out, err := asmgen.Generate(b, asmgen.Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("mov rdi, r10"))
		Expect(out).NotTo(ContainSubstring("mov rdi, 0\n"))
	})

	It("emits valid imul and single-operand idiv lowerings for Mul/Div", func() {
		b := &container.Binary{ByteCode: append(
			insts.Encode(insts.Instruction{Op: insts.OpMul, RegA: insts.RegA, RegB: insts.RegB}),
			insts.Encode(insts.Instruction{Op: insts.OpDiv, RegA: insts.RegA, RegB: insts.RegB})...,
		)}
		out, err := asmgen.Generate(b, asmgen.Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("imul r10, r11"))
		Expect(out).To(ContainSubstring("idiv r11"))
	})

	It("embeds the initial memory followed by a zero-fill to MemSize", func() {
		b := &container.Binary{Memory: []byte{1, 2, 3}}
		out, err := asmgen.Generate(b, asmgen.Options{MemSize: 10})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("db 1, 2, 3"))
		Expect(out).To(ContainSubstring("db 7 dup 0"))
	})
})
