package vm

import (
	"fmt"
	"io"
	"os"

	"github.com/marcelgarus/soil/container"
	"github.com/marcelgarus/soil/insts"
)

// DefaultMemSize is the interpreter's default memory size, overridable
// via WithMemSize.
const DefaultMemSize = 500_000

// Trap is returned by Run when the guest program panics, seg-faults,
// hits an unknown opcode, issues an unknown syscall, or pops an empty
// call stack. It carries the diagnostic dump that was also written to
// the crash file.
type Trap struct {
	Reason  string
	IP      uint64
	Regs    RegFile
	Trace   []frame
	DumpErr error // non-nil if writing the crash file itself failed
}

func (t *Trap) Error() string {
	return fmt.Sprintf("soil: trap at ip=%d: %s", t.IP, t.Reason)
}

// frame is one entry in the labeled call-stack trace printed on trap.
type frame struct {
	ReturnIP uint64
	Label    string
}

// Interpreter directly executes a decoded Soil instruction stream
// against register, memory, and call-stack state: functional-options
// construction, a fetch-execute step, and a Run loop that drains step
// until exit.
type Interpreter struct {
	regs      RegFile
	memory    *Memory
	callStack []uint64
	fds       *FDTable

	byteCode []byte
	labels   []container.Label

	memSize           int
	ip                uint64
	instructionCount  uint64
	maxInstructions   uint64 // 0 = unlimited

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	args []string

	crashFilePath string
}

// Option configures an Interpreter at construction time.
type Option func(*Interpreter)

// WithMemSize overrides the interpreter's memory size.
func WithMemSize(n int) Option {
	return func(in *Interpreter) { in.memSize = n }
}

// WithStdout overrides the writer used by syscall 1 (print).
func WithStdout(w io.Writer) Option {
	return func(in *Interpreter) { in.stdout = w }
}

// WithStderr overrides the writer used by syscall 2 (log).
func WithStderr(w io.Writer) Option {
	return func(in *Interpreter) { in.stderr = w }
}

// WithStdin overrides the reader backing fd 0.
func WithStdin(r io.Reader) Option {
	return func(in *Interpreter) { in.stdin = r }
}

// WithArgs sets the guest program's argv, laid out on the stack by the
// program-argument ABI when New builds the interpreter.
func WithArgs(args []string) Option {
	return func(in *Interpreter) { in.args = args }
}

// WithMaxInstructions bounds execution, guarding test and fuzz runs
// against infinite loops in a guest program.
func WithMaxInstructions(n uint64) Option {
	return func(in *Interpreter) { in.maxInstructions = n }
}

// WithCrashFilePath overrides where the trap memory dump is written
// (default "crash").
func WithCrashFilePath(path string) Option {
	return func(in *Interpreter) { in.crashFilePath = path }
}

// New builds an Interpreter over a parsed Binary, ready to Run.
func New(b *container.Binary, opts ...Option) *Interpreter {
	in := &Interpreter{
		byteCode:      b.ByteCode,
		labels:        b.Labels,
		fds:           NewFDTable(),
		stdout:        os.Stdout,
		stderr:        os.Stderr,
		crashFilePath: "crash",
	}
	in.memSize = DefaultMemSize
	for _, opt := range opts {
		opt(in)
	}

	in.memory = NewMemory(in.memSize)
	in.memory.LoadInitial(b.Memory)
	in.regs.SetSP(uint64(in.memSize))
	in.layoutArgs()

	return in
}

// layoutArgs implements the program-argument ABI: each argument's raw
// bytes are copied into memory below the current SP, a (ptr, len)
// descriptor is recorded for it, SP is 8-byte-aligned down, then
// (slice_ptr, count) is pushed as the top frame.
//
// Addressing is relative to the live SP value, not the constant
// register id for A.
func (in *Interpreter) layoutArgs() {
	sp := in.regs.SP()

	descriptors := make([][2]uint64, 0, len(in.args))
	for _, arg := range in.args {
		bytes := []byte(arg)
		sp -= uint64(len(bytes))
		_ = in.memory.WriteBytes(sp, bytes)
		descriptors = append(descriptors, [2]uint64{sp, uint64(len(bytes))})
	}

	sp &^= 7 // 8-byte align down

	for i := len(descriptors) - 1; i >= 0; i-- {
		sp -= 16
		_ = in.memory.Write64(sp, descriptors[i][0])
		_ = in.memory.Write64(sp+8, descriptors[i][1])
	}
	slicePtr := sp

	sp -= 16
	_ = in.memory.Write64(sp, slicePtr)
	_ = in.memory.Write64(sp+8, uint64(len(in.args)))

	in.regs.SetSP(sp)
}

// Regs exposes the register file, e.g. for tests asserting on ST/A.
func (in *Interpreter) Regs() *RegFile { return &in.regs }

// Memory exposes the flat address space.
func (in *Interpreter) Memory() *Memory { return in.memory }

// InstructionCount returns how many instructions have executed so far.
func (in *Interpreter) InstructionCount() uint64 { return in.instructionCount }

// Run drives the fetch-execute loop to completion: either the guest
// calls Syscall(0) (exit) or a trap occurs. It returns the guest's
// exit code and, on trap, a *Trap error.
func (in *Interpreter) Run() (int64, error) {
	for {
		if in.maxInstructions != 0 && in.instructionCount >= in.maxInstructions {
			return 0, in.trap("exceeded max instruction count")
		}

		exited, code, err := in.step()
		if err != nil {
			return 0, in.trap(err.Error())
		}
		if exited {
			return code, nil
		}
	}
}

// step fetches, decodes, and executes exactly one instruction.
func (in *Interpreter) step() (exited bool, exitCode int64, err error) {
	inst, next, err := insts.Decode(in.byteCode, int(in.ip))
	if err != nil {
		return false, 0, err
	}
	postOperandIP := uint64(next)
	in.instructionCount++

	switch inst.Op {
	case insts.OpNop:
		in.ip = postOperandIP

	case insts.OpPanic:
		return false, 0, fmt.Errorf("panic")

	case insts.OpMove:
		in.regs.Set(inst.RegA, in.regs.Get(inst.RegB))
		in.ip = postOperandIP

	case insts.OpMoveI:
		in.regs.Set(inst.RegA, inst.ImmWord)
		in.ip = postOperandIP

	case insts.OpMoveIB:
		in.regs.Set(inst.RegA, uint64(inst.ImmByte))
		in.ip = postOperandIP

	case insts.OpLoad:
		v, err := in.memory.Read64(in.regs.Get(inst.RegB))
		if err != nil {
			return false, 0, err
		}
		in.regs.Set(inst.RegA, v)
		in.ip = postOperandIP

	case insts.OpLoadB:
		v, err := in.memory.Read8(in.regs.Get(inst.RegB))
		if err != nil {
			return false, 0, err
		}
		in.regs.Set(inst.RegA, uint64(v))
		in.ip = postOperandIP

	case insts.OpStore:
		if err := in.memory.Write64(in.regs.Get(inst.RegB), in.regs.Get(inst.RegA)); err != nil {
			return false, 0, err
		}
		in.ip = postOperandIP

	case insts.OpStoreB:
		if err := in.memory.Write8(in.regs.Get(inst.RegB), uint8(in.regs.Get(inst.RegA))); err != nil {
			return false, 0, err
		}
		in.ip = postOperandIP

	case insts.OpPush:
		sp := in.regs.SP() - 8
		if err := in.memory.Write64(sp, in.regs.Get(inst.RegA)); err != nil {
			return false, 0, err
		}
		in.regs.SetSP(sp)
		in.ip = postOperandIP

	case insts.OpPop:
		v, err := in.memory.Read64(in.regs.SP())
		if err != nil {
			return false, 0, err
		}
		in.regs.Set(inst.RegA, v)
		in.regs.SetSP(in.regs.SP() + 8)
		in.ip = postOperandIP

	case insts.OpJump:
		in.ip = inst.ImmWord

	case insts.OpCJump:
		if in.regs.ST() != 0 {
			in.ip = inst.ImmWord
		} else {
			in.ip = postOperandIP
		}

	case insts.OpCall:
		in.callStack = append(in.callStack, postOperandIP)
		in.ip = inst.ImmWord

	case insts.OpRet:
		if len(in.callStack) == 0 {
			return false, 0, fmt.Errorf("ret with empty call stack")
		}
		top := len(in.callStack) - 1
		in.ip = in.callStack[top]
		in.callStack = in.callStack[:top]

	case insts.OpSyscall:
		res, err := in.doSyscall(inst.ImmByte)
		if err != nil {
			return false, 0, err
		}
		if res.exited {
			return true, res.exitCode, nil
		}
		in.ip = postOperandIP

	case insts.OpCmp:
		in.regs.SetST(in.regs.Get(inst.RegA) - in.regs.Get(inst.RegB))
		in.ip = postOperandIP

	case insts.OpIsEqual:
		in.regs.SetST(boolWord(int64(in.regs.ST()) == 0))
		in.ip = postOperandIP
	case insts.OpIsLess:
		in.regs.SetST(boolWord(int64(in.regs.ST()) < 0))
		in.ip = postOperandIP
	case insts.OpIsGreater:
		in.regs.SetST(boolWord(int64(in.regs.ST()) > 0))
		in.ip = postOperandIP
	case insts.OpIsLessEqual:
		in.regs.SetST(boolWord(int64(in.regs.ST()) <= 0))
		in.ip = postOperandIP
	case insts.OpIsGreaterEqual:
		in.regs.SetST(boolWord(int64(in.regs.ST()) >= 0))
		in.ip = postOperandIP

	case insts.OpAdd:
		in.regs.Set(inst.RegA, in.regs.Get(inst.RegA)+in.regs.Get(inst.RegB))
		in.ip = postOperandIP
	case insts.OpSub:
		in.regs.Set(inst.RegA, in.regs.Get(inst.RegA)-in.regs.Get(inst.RegB))
		in.ip = postOperandIP
	case insts.OpMul:
		in.regs.Set(inst.RegA, in.regs.Get(inst.RegA)*in.regs.Get(inst.RegB))
		in.ip = postOperandIP
	case insts.OpDiv:
		divisor := int64(in.regs.Get(inst.RegB))
		if divisor == 0 {
			return false, 0, fmt.Errorf("division by zero")
		}
		in.regs.Set(inst.RegA, uint64(int64(in.regs.Get(inst.RegA))/divisor))
		in.ip = postOperandIP
	case insts.OpRem:
		divisor := int64(in.regs.Get(inst.RegB))
		if divisor == 0 {
			return false, 0, fmt.Errorf("division by zero")
		}
		in.regs.Set(inst.RegA, uint64(int64(in.regs.Get(inst.RegA))%divisor))
		in.ip = postOperandIP
	case insts.OpAnd:
		in.regs.Set(inst.RegA, in.regs.Get(inst.RegA)&in.regs.Get(inst.RegB))
		in.ip = postOperandIP
	case insts.OpOr:
		in.regs.Set(inst.RegA, in.regs.Get(inst.RegA)|in.regs.Get(inst.RegB))
		in.ip = postOperandIP
	case insts.OpXor:
		in.regs.Set(inst.RegA, in.regs.Get(inst.RegA)^in.regs.Get(inst.RegB))
		in.ip = postOperandIP
	case insts.OpNegate:
		// Bitwise complement, not arithmetic negation.
		in.regs.Set(inst.RegA, ^in.regs.Get(inst.RegA))
		in.ip = postOperandIP

	default:
		return false, 0, fmt.Errorf("unknown opcode")
	}

	return false, 0, nil
}

func boolWord(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// trap builds a Trap with a register dump and labeled call-stack
// trace, writes the current memory to the crash file, and returns it.
func (in *Interpreter) trap(reason string) *Trap {
	t := &Trap{
		Reason: reason,
		IP:     in.ip,
		Regs:   in.regs,
	}
	for _, ret := range in.callStack {
		t.Trace = append(t.Trace, frame{ReturnIP: ret, Label: in.findLabel(ret)})
	}
	if in.crashFilePath != "" {
		t.DumpErr = os.WriteFile(in.crashFilePath, in.memory.Bytes(), 0o644)
	}
	return t
}

func (in *Interpreter) findLabel(offset uint64) string {
	for _, l := range in.labels {
		if l.Offset == offset {
			return l.Name
		}
	}
	return "?"
}

// DumpRegisters writes a human-readable register table to w with a
// plain fmt.Fprintf diagnostic style. The SP row is labeled "sp", not
// "ip".
func (t *Trap) DumpRegisters(w io.Writer) {
	names := []string{"sp", "st", "a", "b", "c", "d", "e", "f"}
	for i, name := range names {
		fmt.Fprintf(w, "  %-3s = 0x%016x\n", name, t.Regs.R[i])
	}
	fmt.Fprintf(w, "  ip = %d\n", t.IP)
	for i := len(t.Trace) - 1; i >= 0; i-- {
		fmt.Fprintf(w, "  called from %d (%s)\n", t.Trace[i].ReturnIP, t.Trace[i].Label)
	}
}
