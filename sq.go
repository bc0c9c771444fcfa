//go:build linux

package iouring

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/go-uringcore/uringcore/internal/barrier"
	"github.com/go-uringcore/uringcore/internal/sys"
)

// enterRetry wraps sys.Enter, retrying transparently on EINTR: a signal
// delivered outside sig arrives and interrupts the syscall without the
// wait itself having failed, so the kernel expects callers to just try
// again rather than surface it as a terminal error.
func enterRetry(fd int, toSubmit, minComplete, flags uint32, sig *unix.Sigset_t) (int, error) {
	for {
		n, err := sys.Enter(fd, toSubmit, minComplete, flags, sig)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, err
		}
		return n, nil
	}
}

// enterExtRetry is enterRetry for the IORING_ENTER_EXT_ARG path.
func enterExtRetry(fd int, toSubmit, minComplete, flags uint32, arg *sys.GetEventsArg) (int, error) {
	for {
		n, err := sys.EnterExt(fd, toSubmit, minComplete, flags, arg)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, err
		}
		return n, nil
	}
}

// getSQE reserves the next free SQE slot, or returns nil if the submission
// queue is full from the user's perspective (sqeTail - sqeHead ==
// ring_entries). The returned SQE is zeroed; the array indirection is NOT
// populated here — that happens at publish time in flush, so an SQE that
// is reserved and never submitted never leaves a stale array entry for a
// slot index that gets reserved again later.
// NOT thread-safe; caller must hold sqLock.
func (r *Ring) getSQE() *sys.SQE {
	if r.sqeTail-r.sqeHead >= r.sqEntries {
		return nil
	}

	idx := r.sqeTail & r.sqMask
	sqe := &r.sqes[idx]
	sqe.Reset()
	r.sqeTail++

	return sqe
}

// GetSQE reserves the next free SQE, or returns nil if the queue is full.
func (r *Ring) GetSQE() *sys.SQE {
	r.sqLock.Lock()
	sqe := r.getSQE()
	r.sqLock.Unlock()
	return sqe
}

// flush walks the reserved-but-unpublished range [sqeHead, sqeTail),
// writes the SQ array indirection for each slot, and advances the
// kernel-visible sq.tail with a release store so the kernel only observes
// the tail move after it can see every SQE content write beneath it.
// Caller must hold sqLock. Returns the number of SQEs flushed.
func (r *Ring) flush() uint32 {
	if r.sqeHead == r.sqeTail {
		return 0
	}

	for i := r.sqeHead; i != r.sqeTail; i++ {
		idx := i & r.sqMask
		r.sqArray[idx] = idx
	}

	count := r.sqeTail - r.sqeHead
	barrier.ReleaseStore(r.sqTail, r.sqeTail)
	r.sqeHead = r.sqeTail

	return count
}

// Submit publishes all reserved SQEs to the kernel. Returns the number of
// SQEs the kernel accepted. A partial submit (fewer than flushed) is not
// an error — the return value conveys how many were consumed.
func (r *Ring) Submit() (int, error) {
	if r.closed.Load() {
		return 0, ErrRingClosed
	}

	r.sqLock.Lock()
	flushed := r.flush()
	r.sqLock.Unlock()

	if flushed == 0 {
		return 0, nil
	}

	var flags uint32
	if r.needsWakeup() {
		flags |= sys.IORING_ENTER_SQ_WAKEUP
	}

	// SQPOLL with no wakeup pending needs no syscall at all — the kernel
	// thread is already spinning and will pick up the new tail itself.
	if r.params.Flags&sys.IORING_SETUP_SQPOLL != 0 && flags == 0 {
		return int(flushed), nil
	}

	return enterRetry(r.fd, flushed, 0, flags, nil)
}

// SubmitAndWait submits pending SQEs and blocks until at least waitNr
// completions are posted.
func (r *Ring) SubmitAndWait(waitNr uint32) (int, error) {
	return r.SubmitAndWaitSig(waitNr, nil)
}

// SubmitAndWaitSig is SubmitAndWait with a caller-supplied signal mask
// threaded through to the enter syscall, the same way ppoll/pselect work:
// signals outside sigmask still interrupt the wait (and are retried, see
// enterRetry), while one inside it stays blocked for the call's duration.
// A nil sigmask leaves the calling thread's current mask untouched.
func (r *Ring) SubmitAndWaitSig(waitNr uint32, sigmask *unix.Sigset_t) (int, error) {
	if r.closed.Load() {
		return 0, ErrRingClosed
	}

	r.sqLock.Lock()
	flushed := r.flush()
	r.sqLock.Unlock()

	var flags uint32 = sys.IORING_ENTER_GETEVENTS
	if r.needsWakeup() {
		flags |= sys.IORING_ENTER_SQ_WAKEUP
	}

	return enterRetry(r.fd, flushed, waitNr, flags, sigmask)
}

// SetSQEFlags ORs flags onto the most recently reserved SQE. Must be
// called before the next GetSQE/Submit call that would move sqeTail past
// it; not safe to interleave with another goroutine's Prep calls.
func (r *Ring) SetSQEFlags(flags uint8) {
	r.sqLock.Lock()
	if r.sqeTail != r.sqeHead {
		idx := (r.sqeTail - 1) & r.sqMask
		r.sqes[idx].Flags |= flags
	}
	r.sqLock.Unlock()
}

// SetSQELink chains the most recently reserved SQE to the next one: the
// next SQE only starts once this one completes.
func (r *Ring) SetSQELink() {
	r.SetSQEFlags(sys.IOSQE_IO_LINK)
}

// SetSQEHardlink is like SetSQELink but the chain continues to the next
// SQE even if this one fails.
func (r *Ring) SetSQEHardlink() {
	r.SetSQEFlags(sys.IOSQE_IO_HARDLINK)
}

// SetSQEAsync forces async-worker execution for the most recently
// reserved SQE instead of letting the kernel decide inline-vs-async.
func (r *Ring) SetSQEAsync() {
	r.SetSQEFlags(sys.IOSQE_ASYNC)
}

// SetSQEDrain marks the most recently reserved SQE to only issue after
// all previously submitted SQEs have completed.
func (r *Ring) SetSQEDrain() {
	r.SetSQEFlags(sys.IOSQE_IO_DRAIN)
}

// SetSQEFixedFile marks the most recently reserved SQE's fd field as an
// index into the registered fixed-file table rather than a raw fd.
func (r *Ring) SetSQEFixedFile() {
	r.SetSQEFlags(sys.IOSQE_FIXED_FILE)
}

// SetUserData sets the user-data token on the most recently reserved SQE,
// echoed back verbatim in the corresponding CQE.
func (r *Ring) SetUserData(userData uint64) {
	r.sqLock.Lock()
	if r.sqeTail != r.sqeHead {
		idx := (r.sqeTail - 1) & r.sqMask
		r.sqes[idx].UserData = userData
	}
	r.sqLock.Unlock()
}
