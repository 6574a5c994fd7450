package vm

import (
	"fmt"
	"io"
)

// Soil syscall numbers.
const (
	SyscallExit         = 0
	SyscallPrint        = 1
	SyscallLog          = 2
	SyscallCreate       = 3
	SyscallOpenReading  = 4
	SyscallOpenWriting  = 5
	SyscallRead         = 6
	SyscallWrite        = 7
	SyscallClose        = 8
)

// syscallResult carries what a syscall did back to the fetch-execute
// loop: whether it terminated the process, and its exit code if so.
type syscallResult struct {
	exited   bool
	exitCode int64
}

// doSyscall dispatches syscall n against the current register file,
// memory, and file-descriptor table. Unknown n is a trap; guest-level
// failures (e.g. opening a missing file) are NOT traps and are
// reported in-band via registers instead.
func (in *Interpreter) doSyscall(n uint8) (syscallResult, error) {
	regs, mem := &in.regs, in.memory

	switch n {
	case SyscallExit:
		return syscallResult{exited: true, exitCode: int64(regs.Get(regA))}, nil

	case SyscallPrint:
		return syscallResult{}, in.writeBuf(in.stdout, regs)

	case SyscallLog:
		return syscallResult{}, in.writeBuf(in.stderr, regs)

	case SyscallCreate:
		name, err := readCString(mem, regs.Get(regA), regs.Get(regB))
		if err != nil {
			return syscallResult{}, err
		}
		fd, ferr := in.fds.Create(name)
		regs.Set(regA, errResult(fd, ferr))
		return syscallResult{}, nil

	case SyscallOpenReading:
		name, err := readCString(mem, regs.Get(regA), regs.Get(regB))
		if err != nil {
			return syscallResult{}, err
		}
		fd, ferr := in.fds.OpenReading(name)
		regs.Set(regA, errResult(fd, ferr))
		return syscallResult{}, nil

	case SyscallOpenWriting:
		name, err := readCString(mem, regs.Get(regA), regs.Get(regB))
		if err != nil {
			return syscallResult{}, err
		}
		fd, ferr := in.fds.OpenWriting(name)
		regs.Set(regA, errResult(fd, ferr))
		return syscallResult{}, nil

	case SyscallRead:
		fd := regs.Get(regA)
		bufAddr := regs.Get(regB)
		count := regs.Get(regC)
		buf := make([]byte, count)
		var n int
		var rerr error
		if fd == 0 && in.stdin != nil {
			n, rerr = in.stdin.Read(buf)
		} else {
			n, rerr = in.fds.Read(fd, buf)
		}
		if rerr != nil && n == 0 {
			regs.Set(regA, uint64(0xffffffffffffffff)) // -1
			return syscallResult{}, nil
		}
		if err := mem.WriteBytes(bufAddr, buf[:n]); err != nil {
			return syscallResult{}, err
		}
		regs.Set(regA, uint64(n))
		return syscallResult{}, nil

	case SyscallWrite:
		fd := regs.Get(regA)
		bufAddr := regs.Get(regB)
		count := regs.Get(regC)
		data, err := mem.ReadBytes(bufAddr, count)
		if err != nil {
			return syscallResult{}, err
		}
		var n int
		var werr error
		switch fd {
		case 1:
			n, werr = in.stdout.Write(data)
		case 2:
			n, werr = in.stderr.Write(data)
		default:
			n, werr = in.fds.Write(fd, data)
		}
		regs.Set(regA, errResult(uint64(n), werr))
		return syscallResult{}, nil

	case SyscallClose:
		fd := regs.Get(regA)
		err := in.fds.Close(fd)
		regs.Set(regA, errResult(0, err))
		return syscallResult{}, nil

	default:
		return syscallResult{}, fmt.Errorf("unknown syscall number %d", n)
	}
}

// writeBuf implements the print/log syscalls: write r[B] bytes from
// memory[r[A]..] to w.
func (in *Interpreter) writeBuf(w io.Writer, regs *RegFile) error {
	addr := regs.Get(regA)
	count := regs.Get(regB)
	data, err := in.memory.ReadBytes(addr, count)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readCString(mem *Memory, addr, length uint64) (string, error) {
	data, err := mem.ReadBytes(addr, length)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// errResult folds a syscall's host result into the single-register
// in-band convention: the value on success, or a negative sentinel on
// failure. The exact negative encoding is otherwise unconstrained; -1
// matches the host read/write failure convention those syscalls
// themselves fall back to above.
func errResult(v uint64, err error) uint64 {
	if err != nil {
		return uint64(0xffffffffffffffff)
	}
	return v
}
