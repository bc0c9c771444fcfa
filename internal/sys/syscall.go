//go:build linux

package sys

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Setup creates a new io_uring instance.
// Returns the ring file descriptor on success, or an error.
func Setup(entries uint32, params *Params) (int, error) {
	fd, _, errno := unix.Syscall(
		SYS_IO_URING_SETUP,
		uintptr(entries),
		uintptr(unsafe.Pointer(params)),
		0,
	)
	if errno != 0 {
		return 0, errno
	}
	return int(fd), nil
}

// SigsetSize is the size in bytes of the kernel's sigset_t (_NSIG/8), the
// only signal-mask size io_uring_enter accepts. unix.Sigset_t is larger, so
// its Go size is never passed to the kernel.
const SigsetSize = 8

// Enter submits SQEs and/or waits for CQEs.
// toSubmit: number of SQEs to submit
// minComplete: minimum CQEs to wait for (if flags includes IORING_ENTER_GETEVENTS)
// flags: IORING_ENTER_* flags
// sig: optional signal mask
//
// Uses unix.Syscall6 so blocking calls still integrate with the Go scheduler.
func Enter(fd int, toSubmit, minComplete, flags uint32, sig *unix.Sigset_t) (int, error) {
	var sigPtr uintptr
	var sigSz uintptr
	if sig != nil {
		sigPtr = uintptr(unsafe.Pointer(sig))
		sigSz = SigsetSize
	}

	n, _, errno := unix.Syscall6(
		SYS_IO_URING_ENTER,
		uintptr(fd),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		sigPtr,
		sigSz,
	)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// EnterExt uses the extended enter argument (IORING_ENTER_EXT_ARG).
func EnterExt(fd int, toSubmit, minComplete, flags uint32, arg *GetEventsArg) (int, error) {
	n, _, errno := unix.Syscall6(
		SYS_IO_URING_ENTER,
		uintptr(fd),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags|IORING_ENTER_EXT_ARG),
		uintptr(unsafe.Pointer(arg)),
		unsafe.Sizeof(*arg),
	)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// Register performs ring registration operations.
// opcode: IORING_REGISTER_* or IORING_UNREGISTER_*
// arg: operation-specific argument (can be nil)
// nrArgs: number of arguments
func Register(fd int, opcode uint32, arg unsafe.Pointer, nrArgs uint32) error {
	_, _, errno := unix.Syscall6(
		SYS_IO_URING_REGISTER,
		uintptr(fd),
		uintptr(opcode),
		uintptr(arg),
		uintptr(nrArgs),
		0,
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// RegisterBuffers registers fixed buffers for I/O.
func RegisterBuffers(fd int, iovecs []unix.Iovec) error {
	if len(iovecs) == 0 {
		return unix.EINVAL
	}
	return Register(fd, IORING_REGISTER_BUFFERS,
		unsafe.Pointer(&iovecs[0]), uint32(len(iovecs)))
}

// UnregisterBuffers removes registered buffers.
func UnregisterBuffers(fd int) error {
	return Register(fd, IORING_UNREGISTER_BUFFERS, nil, 0)
}

// RegisterFiles registers fixed file descriptors.
func RegisterFiles(fd int, fds []int32) error {
	if len(fds) == 0 {
		return unix.EINVAL
	}
	return Register(fd, IORING_REGISTER_FILES,
		unsafe.Pointer(&fds[0]), uint32(len(fds)))
}

// UnregisterFiles removes registered files.
func UnregisterFiles(fd int) error {
	return Register(fd, IORING_UNREGISTER_FILES, nil, 0)
}

// UpdateFiles updates a slice of the fixed file table starting at offset.
func UpdateFiles(fd int, offset uint32, fds []int32) error {
	if len(fds) == 0 {
		return unix.EINVAL
	}
	fu := FilesUpdate{
		Offset: offset,
		Fds:    uint64(uintptr(unsafe.Pointer(&fds[0]))),
	}
	return Register(fd, IORING_REGISTER_FILES_UPDATE,
		unsafe.Pointer(&fu), uint32(len(fds)))
}

// RegisterEventfd registers an eventfd for completion notification.
func RegisterEventfd(fd int, eventfd int) error {
	efd := int32(eventfd)
	return Register(fd, IORING_REGISTER_EVENTFD, unsafe.Pointer(&efd), 1)
}

// UnregisterEventfd removes the registered eventfd.
func UnregisterEventfd(fd int) error {
	return Register(fd, IORING_UNREGISTER_EVENTFD, nil, 0)
}

// RegisterEventfdAsync registers eventfd for async completion only.
func RegisterEventfdAsync(fd int, eventfd int) error {
	efd := int32(eventfd)
	return Register(fd, IORING_REGISTER_EVENTFD_ASYNC, unsafe.Pointer(&efd), 1)
}

// RegisterProbe queries supported operations.
func RegisterProbe(fd int, probe *Probe) error {
	return Register(fd, IORING_REGISTER_PROBE,
		unsafe.Pointer(probe), uint32(IORING_OP_LAST))
}

// RegisterPersonality registers the caller's current credentials and
// returns the kernel-assigned personality id.
func RegisterPersonality(fd int) (int, error) {
	id, _, errno := unix.Syscall6(
		SYS_IO_URING_REGISTER,
		uintptr(fd),
		uintptr(IORING_REGISTER_PERSONALITY),
		0,
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, errno
	}
	return int(id), nil
}

// UnregisterPersonality removes a previously registered personality id.
func UnregisterPersonality(fd int, id int) error {
	_, _, errno := unix.Syscall6(
		SYS_IO_URING_REGISTER,
		uintptr(fd),
		uintptr(IORING_UNREGISTER_PERSONALITY),
		uintptr(id),
		0,
		0,
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// Ring mmap protection/flags, re-exported so callers never need to import
// golang.org/x/sys/unix directly just to map a ring region.
const (
	ProtReadWrite     = unix.PROT_READ | unix.PROT_WRITE
	MapSharedPopulate = unix.MAP_SHARED | unix.MAP_POPULATE
)

// Mmap wraps the mmap syscall for mapping ring buffers.
func Mmap(fd int, offset uint64, length int, prot, flags int) ([]byte, error) {
	return unix.Mmap(fd, int64(offset), length, prot, flags)
}

// Munmap unmaps a previously mapped region.
func Munmap(data []byte) error {
	return unix.Munmap(data)
}

// Close closes the instance file descriptor.
func Close(fd int) error {
	return unix.Close(fd)
}

// DontFork hints the kernel that a mapped region should not be inherited
// across fork, so a forked child never observes stale ring state.
func DontFork(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Madvise(data, unix.MADV_DONTFORK)
}
