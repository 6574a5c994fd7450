package vm_test

import (
	"bytes"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcelgarus/soil/container"
	"github.com/marcelgarus/soil/vm"
)

var _ = Describe("Interpreter", func() {
	var stdout *bytes.Buffer

	BeforeEach(func() {
		stdout = &bytes.Buffer{}
	})

	run := func(code []byte, opts ...vm.Option) (int64, error) {
		// Print writes r[B] bytes starting at address r[A]. The initial
		// memory holds each byte value below 256 at its own address, so
		// a program prints character c by setting A = c and B = 1.
		identity := make([]byte, 256)
		for i := range identity {
			identity[i] = byte(i)
		}
		b := &container.Binary{ByteCode: code, Memory: identity}
		in := vm.New(b, append([]vm.Option{vm.WithStdout(stdout)}, opts...)...)
		return in.Run()
	}

	It("runs the minimal exit program and prints '*'", func() {
		code := []byte{
			0xd2, 0x02, 0x2a, // MoveIB A, 42 (address of '*')
			0xd2, 0x03, 0x01, // MoveIB B, 1
			0xf4, 0x01, // Syscall print
			0xd2, 0x02, 0x00, // MoveIB A, 0
			0xf4, 0x00, // Syscall exit
		}
		exitCode, err := run(code)
		Expect(err).NotTo(HaveOccurred())
		Expect(exitCode).To(Equal(int64(0)))
		Expect(stdout.String()).To(Equal("*"))
	})

	It("adds two registers and exits with the sum", func() {
		// packed reg byte: low nibble is the instruction's first operand
		// (destination), high nibble its second (source).
		dstA_srcB := byte(0x02) | byte(0x03)<<4
		code := []byte{
			0xd1, 0x02, 5, 0, 0, 0, 0, 0, 0, 0, // MoveI A, 5
			0xd1, 0x03, 3, 0, 0, 0, 0, 0, 0, 0, // MoveI B, 3
			0xa0, dstA_srcB, // Add A, B
			0xf4, 0x00, // Syscall exit
		}
		exitCode, err := run(code)
		Expect(err).NotTo(HaveOccurred())
		Expect(exitCode).To(Equal(int64(8)))
	})

	It("takes a CJump when ST is nonzero and falls through when it is zero", func() {
		// ST=0 -> CJump not taken -> prints 'N'; ST=1 -> CJump taken -> prints 'Y'
		build := func(st byte) []byte {
			var prog []byte
			emitWord := func(op byte, target uint64) int {
				site := len(prog)
				prog = append(prog, op, 0, 0, 0, 0, 0, 0, 0, 0)
				for i := 0; i < 8; i++ {
					prog[site+1+i] = byte(target >> (8 * i))
				}
				return site
			}

			prog = append(prog, 0xd2, 0x01, st) // MoveIB ST, st
			cjumpSite := emitWord(0xf1, 0)       // CJump <patched>
			prog = append(prog, 0xd2, 0x02, 'N') // MoveIB A, 'N'
			jumpSite := emitWord(0xf0, 0)         // Jump <patched>
			yesOffset := len(prog)
			prog = append(prog, 0xd2, 0x02, 'Y') // MoveIB A, 'Y'
			printOffset := len(prog)
			prog = append(prog, 0xd2, 0x03, 0x01) // MoveIB B, 1
			prog = append(prog, 0xf4, 0x01)        // print
			prog = append(prog, 0xd2, 0x02, 0x00)  // MoveIB A, 0
			prog = append(prog, 0xf4, 0x00)        // exit

			patch := func(site int, target uint64) {
				for i := 0; i < 8; i++ {
					prog[site+1+i] = byte(target >> (8 * i))
				}
			}
			patch(cjumpSite, uint64(yesOffset))
			patch(jumpSite, uint64(printOffset))
			return prog
		}
		_, err := run(build(0))
		Expect(err).NotTo(HaveOccurred())
		Expect(stdout.String()).To(Equal("N"))

		stdout.Reset()
		_, err = run(build(1))
		Expect(err).NotTo(HaveOccurred())
		Expect(stdout.String()).To(Equal("Y"))
	})

	It("calls a function, returns, and continues (XY)", func() {
		// 0: Call 22
		// 9: MoveIB A,'Y'; print; exit  -> offsets 9..21
		// 22: MoveIB A,'X'; print; Ret
		code := []byte{
			0xf2, 22, 0, 0, 0, 0, 0, 0, 0, // 0: Call 22   (9 bytes, next ip = 9)
			0xd2, 0x02, 'Y', // 9: MoveIB A, 'Y'
			0xd2, 0x03, 0x01, // 12: MoveIB B, 1
			0xf4, 0x01, // 15: print
			0xd2, 0x02, 0x00, // 17: MoveIB A, 0
			0xf4, 0x00, // 20: exit
			// 22: function body (MoveIB A,'X'; MoveIB B,1; print; Ret)
		}
		_ = code
		// Build the same program, computing the absolute offsets.
		var prog []byte
		callSite := len(prog)
		prog = append(prog, 0xf2, 0, 0, 0, 0, 0, 0, 0, 0) // Call <patched>
		afterCall := len(prog)
		prog = append(prog, 0xd2, 0x02, 'Y') // MoveIB A, 'Y'
		prog = append(prog, 0xd2, 0x03, 0x01)
		prog = append(prog, 0xf4, 0x01) // print
		prog = append(prog, 0xd2, 0x02, 0x00)
		prog = append(prog, 0xf4, 0x00) // exit
		funcOffset := len(prog)
		prog = append(prog, 0xd2, 0x02, 'X') // MoveIB A, 'X'
		prog = append(prog, 0xd2, 0x03, 0x01)
		prog = append(prog, 0xf4, 0x01) // print
		prog = append(prog, 0xf3)       // Ret
		_ = afterCall
		for i := 0; i < 8; i++ {
			prog[callSite+1+i] = byte(funcOffset >> (8 * i))
		}

		_, err := run(prog)
		Expect(err).NotTo(HaveOccurred())
		Expect(stdout.String()).To(Equal("XY"))
	})

	It("traps on an out-of-bounds load and writes a crash file", func() {
		crashPath := "testdata_crash_tmp"
		defer os.Remove(crashPath)

		dstB_addrA := byte(0x03) | byte(0x02)<<4
		code := []byte{
			0xd1, 0x02, 0, 0xe4, 0x0b, 0x54, 0x02, 0, 0, 0, // MoveI A, 10_000_000_000
			0xd3, dstB_addrA, // Load B, A (address taken from A)
		}
		_, err := run(code, vm.WithCrashFilePath(crashPath))
		Expect(err).To(HaveOccurred())
		var trap *vm.Trap
		Expect(errorsAs(err, &trap)).To(BeTrue())
		_, statErr := os.Stat(crashPath)
		Expect(statErr).NotTo(HaveOccurred())
	})

	It("aborts before any output on an unknown opcode", func() {
		code := []byte{0x00, 0xff}
		b := &container.Binary{ByteCode: code}
		in := vm.New(b, vm.WithStdout(stdout), vm.WithCrashFilePath(""))
		_, err := in.Run()
		Expect(err).To(HaveOccurred())
		Expect(stdout.String()).To(BeEmpty())
	})
})

func errorsAs(err error, target **vm.Trap) bool {
	t, ok := err.(*vm.Trap)
	if ok {
		*target = t
	}
	return ok
}
