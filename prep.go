//go:build linux

package iouring

import (
	"syscall"
	"unsafe"

	"github.com/go-uringcore/uringcore/internal/sys"
)

// prepareCommon is the uniform preparation skeleton spec.md §4.4 requires:
// it clears the SQE (via getSQE's Reset), sets the fields every opcode
// shares, and leaves the per-opcode flag field for the caller to fill in.
// Every Prep* wrapper below goes through this one helper.
func (r *Ring) prepareCommon(opcode sys.Op, fd int32, addr uint64, length uint32, off uint64, userData uint64) (*sys.SQE, error) {
	r.sqLock.Lock()
	defer r.sqLock.Unlock()

	sqe := r.getSQE()
	if sqe == nil {
		return nil, ErrSQFull
	}

	sqe.Opcode = uint8(opcode)
	sqe.Fd = fd
	sqe.Addr = addr
	sqe.Len = length
	sqe.Off = off
	sqe.UserData = userData

	return sqe, nil
}

// PrepNop prepares a no-op. Useful for round-trip testing and for waking
// an SQPOLL thread without doing real I/O.
func (r *Ring) PrepNop(userData uint64) error {
	_, err := r.prepareCommon(sys.IORING_OP_NOP, -1, 0, 0, 0, userData)
	return err
}

// PrepRead prepares an unregistered read of up to len(buf) bytes from fd
// at offset into buf.
func (r *Ring) PrepRead(fd int, buf []byte, offset uint64, userData uint64) error {
	if len(buf) == 0 {
		return nil
	}
	_, err := r.prepareCommon(sys.IORING_OP_READ, int32(fd),
		uint64(uintptr(unsafe.Pointer(&buf[0]))), uint32(len(buf)), offset, userData)
	return err
}

// PrepWrite prepares an unregistered write of len(buf) bytes from buf to
// fd at offset.
func (r *Ring) PrepWrite(fd int, buf []byte, offset uint64, userData uint64) error {
	if len(buf) == 0 {
		return nil
	}
	_, err := r.prepareCommon(sys.IORING_OP_WRITE, int32(fd),
		uint64(uintptr(unsafe.Pointer(&buf[0]))), uint32(len(buf)), offset, userData)
	return err
}

// PrepReadFixed prepares a read into a pre-registered buffer. bufIndex is
// the index into the registered buffer set.
func (r *Ring) PrepReadFixed(fd int, buf []byte, offset uint64, bufIndex uint16, userData uint64) error {
	if len(buf) == 0 {
		return nil
	}
	sqe, err := r.prepareCommon(sys.IORING_OP_READ_FIXED, int32(fd),
		uint64(uintptr(unsafe.Pointer(&buf[0]))), uint32(len(buf)), offset, userData)
	if err != nil {
		return err
	}
	sqe.BufIndex = bufIndex
	return nil
}

// PrepWriteFixed prepares a write from a pre-registered buffer. bufIndex
// is the index into the registered buffer set.
func (r *Ring) PrepWriteFixed(fd int, buf []byte, offset uint64, bufIndex uint16, userData uint64) error {
	if len(buf) == 0 {
		return nil
	}
	sqe, err := r.prepareCommon(sys.IORING_OP_WRITE_FIXED, int32(fd),
		uint64(uintptr(unsafe.Pointer(&buf[0]))), uint32(len(buf)), offset, userData)
	if err != nil {
		return err
	}
	sqe.BufIndex = bufIndex
	return nil
}

// PrepReadv prepares a vectored read. iovecs must remain valid until the
// operation completes.
func (r *Ring) PrepReadv(fd int, iovecs []syscall.Iovec, offset uint64, userData uint64) error {
	if len(iovecs) == 0 {
		return nil
	}
	_, err := r.prepareCommon(sys.IORING_OP_READV, int32(fd),
		uint64(uintptr(unsafe.Pointer(&iovecs[0]))), uint32(len(iovecs)), offset, userData)
	return err
}

// PrepWritev prepares a vectored write. iovecs must remain valid until the
// operation completes.
func (r *Ring) PrepWritev(fd int, iovecs []syscall.Iovec, offset uint64, userData uint64) error {
	if len(iovecs) == 0 {
		return nil
	}
	_, err := r.prepareCommon(sys.IORING_OP_WRITEV, int32(fd),
		uint64(uintptr(unsafe.Pointer(&iovecs[0]))), uint32(len(iovecs)), offset, userData)
	return err
}

// PrepFsync prepares an fsync. flags is 0 or IORING_FSYNC_DATASYNC.
func (r *Ring) PrepFsync(fd int, flags uint32, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_FSYNC, int32(fd), 0, 0, 0, userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = flags
	return nil
}

// PrepPollAdd prepares a poll. pollMask is a POLLIN/POLLOUT-style mask.
func (r *Ring) PrepPollAdd(fd int, pollMask uint32, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_POLL_ADD, int32(fd), 0, 0, 0, userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = pollMask
	return nil
}

// PrepPollAddMultishot prepares a multishot poll: one CQE per readiness
// edge until the poll is removed.
func (r *Ring) PrepPollAddMultishot(fd int, pollMask uint32, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_POLL_ADD, int32(fd), 0, uint32(sys.IORING_POLL_ADD_MULTI), 0, userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = pollMask
	return nil
}

// PrepPollRemove prepares removal of a pending poll, identified by the
// user-data it was submitted with.
func (r *Ring) PrepPollRemove(targetUserData uint64, userData uint64) error {
	_, err := r.prepareCommon(sys.IORING_OP_POLL_REMOVE, -1, targetUserData, 0, 0, userData)
	return err
}

// PrepTimeout prepares a timeout. ts is the duration/deadline, count is
// how many completions to wait for before the timeout also counts as
// satisfied (0 means the timeout alone is the wait condition), flags may
// include IORING_TIMEOUT_ABS.
func (r *Ring) PrepTimeout(ts *sys.Timespec, count uint64, flags uint32, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_TIMEOUT, -1,
		uint64(uintptr(unsafe.Pointer(ts))), 1, count, userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = flags
	return nil
}

// PrepTimeoutRemove prepares removal of a pending timeout, identified by
// the user-data it was submitted with.
func (r *Ring) PrepTimeoutRemove(targetUserData uint64, flags uint32, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_TIMEOUT_REMOVE, -1, targetUserData, 0, 0, userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = flags
	return nil
}

// PrepLinkTimeout prepares a timeout linked to the previously reserved
// SQE (pair with SetSQELink on that SQE): the linked op is cancelled if
// the timeout fires first.
func (r *Ring) PrepLinkTimeout(ts *sys.Timespec, flags uint32, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_LINK_TIMEOUT, -1,
		uint64(uintptr(unsafe.Pointer(ts))), 1, 0, userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = flags
	return nil
}

// PrepCancel prepares an async-cancel of the operation carrying
// targetUserData. flags may include IORING_ASYNC_CANCEL_*.
func (r *Ring) PrepCancel(targetUserData uint64, flags uint32, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_ASYNC_CANCEL, -1, targetUserData, 0, 0, userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = flags
	return nil
}

// PrepAccept prepares an accept. addr/addrLen may be nil when the peer
// address isn't needed. flags are accept4-style flags.
func (r *Ring) PrepAccept(fd int, addr unsafe.Pointer, addrLen *uint32, flags uint32, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_ACCEPT, int32(fd),
		uint64(uintptr(addr)), 0, uint64(uintptr(unsafe.Pointer(addrLen))), userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = flags
	return nil
}

// PrepConnect prepares a connect.
func (r *Ring) PrepConnect(fd int, addr unsafe.Pointer, addrLen uint32, userData uint64) error {
	_, err := r.prepareCommon(sys.IORING_OP_CONNECT, int32(fd),
		uint64(uintptr(addr)), 0, uint64(addrLen), userData)
	return err
}

// PrepSendmsg prepares a sendmsg. msg must remain valid until completion.
func (r *Ring) PrepSendmsg(fd int, msg *syscall.Msghdr, flags int, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_SENDMSG, int32(fd),
		uint64(uintptr(unsafe.Pointer(msg))), 1, 0, userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = uint32(flags)
	return nil
}

// PrepRecvmsg prepares a recvmsg. msg must remain valid until completion.
func (r *Ring) PrepRecvmsg(fd int, msg *syscall.Msghdr, flags int, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_RECVMSG, int32(fd),
		uint64(uintptr(unsafe.Pointer(msg))), 1, 0, userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = uint32(flags)
	return nil
}

// PrepSend prepares a send of buf to a connected fd.
func (r *Ring) PrepSend(fd int, buf []byte, flags int, userData uint64) error {
	if len(buf) == 0 {
		return nil
	}
	sqe, err := r.prepareCommon(sys.IORING_OP_SEND, int32(fd),
		uint64(uintptr(unsafe.Pointer(&buf[0]))), uint32(len(buf)), 0, userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = uint32(flags)
	return nil
}

// PrepRecv prepares a recv into buf from a connected fd.
func (r *Ring) PrepRecv(fd int, buf []byte, flags int, userData uint64) error {
	if len(buf) == 0 {
		return nil
	}
	sqe, err := r.prepareCommon(sys.IORING_OP_RECV, int32(fd),
		uint64(uintptr(unsafe.Pointer(&buf[0]))), uint32(len(buf)), 0, userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = uint32(flags)
	return nil
}

// PrepFilesUpdate prepares an incremental update of the fixed-file table:
// fds replace the entries starting at offset.
func (r *Ring) PrepFilesUpdate(fds []int32, offset uint32, userData uint64) error {
	if len(fds) == 0 {
		return nil
	}
	_, err := r.prepareCommon(sys.IORING_OP_FILES_UPDATE, -1,
		uint64(uintptr(unsafe.Pointer(&fds[0]))), uint32(len(fds)), uint64(offset), userData)
	return err
}

// PrepFallocate prepares an fallocate. mode carries the fallocate mode
// flags, addr is the length encoded as an address per the kernel ABI.
func (r *Ring) PrepFallocate(fd int, mode uint32, addr uint64, offset uint64, userData uint64) error {
	_, err := r.prepareCommon(sys.IORING_OP_FALLOCATE, int32(fd), addr, mode, offset, userData)
	return err
}

// PrepOpenat prepares an openat. path must be a null-terminated string
// that remains valid until completion.
func (r *Ring) PrepOpenat(dirfd int, path *byte, flags int, mode uint32, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_OPENAT, int32(dirfd),
		uint64(uintptr(unsafe.Pointer(path))), mode, 0, userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = uint32(flags)
	return nil
}

// PrepOpenat2 prepares an openat2: how points to a struct open_how of
// size howSize, both kept valid until completion.
func (r *Ring) PrepOpenat2(dirfd int, path *byte, how unsafe.Pointer, howSize uint32, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_OPENAT2, int32(dirfd),
		uint64(uintptr(unsafe.Pointer(path))), howSize, uint64(uintptr(how)), userData)
	if err != nil {
		return err
	}
	return nil
}

// PrepClose prepares closing fd.
func (r *Ring) PrepClose(fd int, userData uint64) error {
	_, err := r.prepareCommon(sys.IORING_OP_CLOSE, int32(fd), 0, 0, 0, userData)
	return err
}

// PrepShutdown prepares a socket shutdown. how is SHUT_RD/SHUT_WR/SHUT_RDWR.
func (r *Ring) PrepShutdown(fd int, how int, userData uint64) error {
	_, err := r.prepareCommon(sys.IORING_OP_SHUTDOWN, int32(fd), 0, uint32(how), 0, userData)
	return err
}

// PrepStatx prepares a statx. path and statxbuf must remain valid until
// completion.
func (r *Ring) PrepStatx(dirfd int, path *byte, flags, mask int, statxbuf unsafe.Pointer, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_STATX, int32(dirfd),
		uint64(uintptr(unsafe.Pointer(path))), uint32(mask), uint64(uintptr(statxbuf)), userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = uint32(flags)
	return nil
}

// PrepFadvise prepares an fadvise hint over [offset, offset+length) on fd.
func (r *Ring) PrepFadvise(fd int, offset uint64, length uint32, advice uint32, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_FADVISE, int32(fd), 0, length, offset, userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = advice
	return nil
}

// PrepMadvise prepares a madvise hint over [addr, addr+length).
func (r *Ring) PrepMadvise(addr unsafe.Pointer, length uint32, advice uint32, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_MADVISE, -1, uint64(uintptr(addr)), length, 0, userData)
	if err != nil {
		return err
	}
	sqe.OpFlags = advice
	return nil
}

// PrepSplice prepares a splice between fdIn and fdOut. offIn/offOut of -1
// mean "use the file's current position" where the kernel honors that.
func (r *Ring) PrepSplice(fdIn int, offIn int64, fdOut int, offOut int64, nbytes uint32, flags uint32, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_SPLICE, int32(fdOut), 0, nbytes, uint64(offOut), userData)
	if err != nil {
		return err
	}
	sqe.SpliceFdIn = int32(fdIn)
	sqe.SetSpliceOffIn(uint64(offIn))
	sqe.OpFlags = flags
	return nil
}

// PrepEpollCtl prepares an epoll_ctl. ev must remain valid until
// completion (ignored for EPOLL_CTL_DEL).
func (r *Ring) PrepEpollCtl(epfd int, fd int, op int, ev unsafe.Pointer, userData uint64) error {
	_, err := r.prepareCommon(sys.IORING_OP_EPOLL_CTL, int32(epfd),
		uint64(uintptr(ev)), uint32(op), uint64(uint32(fd)), userData)
	return err
}

// PrepProvideBuffers prepares registering count buffers of length len
// each, starting at addr, tagged with ids startBID..startBID+count-1 in
// buffer group bgid.
func (r *Ring) PrepProvideBuffers(addr unsafe.Pointer, length int, count int, bgid uint16, startBID uint16, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_PROVIDE_BUFFERS, int32(count),
		uint64(uintptr(addr)), uint32(length), uint64(startBID), userData)
	if err != nil {
		return err
	}
	sqe.SetBufGroup(bgid)
	return nil
}

// PrepRemoveBuffers prepares removing up to count buffers from group bgid.
func (r *Ring) PrepRemoveBuffers(count int, bgid uint16, userData uint64) error {
	sqe, err := r.prepareCommon(sys.IORING_OP_REMOVE_BUFFERS, int32(count), 0, 0, 0, userData)
	if err != nil {
		return err
	}
	sqe.SetBufGroup(bgid)
	return nil
}

// PrepSocket prepares async socket creation (kernel 5.19+). The new fd
// is returned in the CQE's Res field.
func (r *Ring) PrepSocket(domain, typ, protocol int, userData uint64) error {
	_, err := r.prepareCommon(sys.IORING_OP_SOCKET, int32(domain), 0, uint32(protocol), uint64(typ), userData)
	return err
}

// SetSQEBufferSelect marks the most recently reserved SQE to have the
// kernel choose a buffer from bufGroup instead of using sqe.Addr.
func (r *Ring) SetSQEBufferSelect(bufGroup uint16) {
	r.sqLock.Lock()
	if r.sqeTail != r.sqeHead {
		idx := (r.sqeTail - 1) & r.sqMask
		sqe := &r.sqes[idx]
		sqe.Flags |= sys.IOSQE_BUFFER_SELECT
		sqe.SetBufGroup(bufGroup)
	}
	r.sqLock.Unlock()
}
