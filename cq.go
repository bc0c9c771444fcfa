//go:build linux

package iouring

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/go-uringcore/uringcore/internal/barrier"
	"github.com/go-uringcore/uringcore/internal/sys"
)

// ResultError turns a CQE's Res field into a Go error. Res is the negative
// errno on failure, or a non-negative count/descriptor on success.
func ResultError(res int32) error {
	if res >= 0 {
		return nil
	}
	return fmt.Errorf("io_uring: %w", unix.Errno(-res))
}

// peekCQE returns the oldest unconsumed CQE without advancing cq.head, or
// nil if none is ready. Caller does not need sqLock — the CQ head/tail are
// only touched by the CQ-consumer side (the peek, Seen and iterator
// methods in this file, and CQReady), never under sqLock.
func (r *Ring) peekCQE() *sys.CQE {
	head := barrier.AcquireLoad(r.cqHead)
	tail := barrier.AcquireLoad(r.cqTail)
	if head == tail {
		return nil
	}
	idx := head & r.cqMask
	return &r.cqes[idx]
}

// peekVisibleCQE returns the oldest unconsumed, user-visible CQE without
// advancing the consumer cursor, silently retiring any CQE carrying the
// reserved timeout sentinel user-data along the way. If no user-visible
// CQE is found, the returned error is the result of the last sentinel it
// retired (nil if it retired none), so a waiter that was woken solely by
// its own injected timeout can see that CQE's actual Res — e.g. telling a
// genuine error on the timeout op apart from a plain expiry — instead of
// just observing an empty queue.
func (r *Ring) peekVisibleCQE() (*sys.CQE, error) {
	var sentinelErr error
	for {
		cqe := r.peekCQE()
		if cqe == nil {
			return nil, sentinelErr
		}
		if cqe.UserData == TimeoutUserData {
			sentinelErr = ResultError(cqe.Res)
			r.SeenCQE(cqe)
			continue
		}
		return cqe, nil
	}
}

// PeekCQE returns the oldest unconsumed, user-visible CQE without advancing
// the consumer cursor, or nil if none is ready. Completions carrying the
// reserved timeout sentinel user-data are consumed and skipped
// automatically — they exist only to wake a waiter and are never meant to
// reach the caller. Callers that need the sentinel's result instead of just
// nil (WaitCQETimeout, WaitCQEs) use peekVisibleCQE directly.
func (r *Ring) PeekCQE() *sys.CQE {
	cqe, _ := r.peekVisibleCQE()
	return cqe
}

// PeekBatchCQE fills out with up to len(out) user-visible CQEs taken from a
// single head/tail snapshot, without advancing the consumer cursor. Returns
// the number of entries filled. Callers decide when to release the batch
// via SeenCQEs, typically once after processing the whole slice.
func (r *Ring) PeekBatchCQE(out []*sys.CQE) int {
	if len(out) == 0 {
		return 0
	}

	head := barrier.AcquireLoad(r.cqHead)
	tail := barrier.AcquireLoad(r.cqTail)

	n := 0
	for cursor := head; cursor != tail && n < len(out); cursor++ {
		idx := cursor & r.cqMask
		cqe := &r.cqes[idx]
		if cqe.UserData == TimeoutUserData {
			continue
		}
		out[n] = cqe
		n++
	}
	return n
}

// SeenCQE marks a single CQE as consumed, advancing cq.head by one.
func (r *Ring) SeenCQE(cqe *sys.CQE) {
	r.SeenCQEs(1)
}

// SeenCQEs marks n CQEs as consumed, advancing cq.head by n with a release
// store so the kernel can reuse the slots only after the advance is visible.
func (r *Ring) SeenCQEs(n uint32) {
	if n == 0 {
		return
	}
	head := barrier.AcquireLoad(r.cqHead)
	barrier.ReleaseStore(r.cqHead, head+n)
}

// WaitCQE blocks until at least one user-visible completion is available
// and returns it without consuming it.
func (r *Ring) WaitCQE() (*sys.CQE, error) {
	return r.WaitCQENr(1)
}

// WaitCQENr blocks until at least waitNr completions have been posted by
// the kernel, then returns the oldest user-visible one.
func (r *Ring) WaitCQENr(waitNr uint32) (*sys.CQE, error) {
	if r.closed.Load() {
		return nil, ErrRingClosed
	}

	if cqe, _ := r.peekVisibleCQE(); cqe != nil {
		return cqe, nil
	}

	if _, err := r.SubmitAndWait(waitNr); err != nil {
		return nil, err
	}

	cqe, sentinelErr := r.peekVisibleCQE()
	if cqe == nil {
		if sentinelErr != nil {
			return nil, sentinelErr
		}
		return nil, ErrCQOverflow
	}
	return cqe, nil
}

// WaitCQETimeout blocks until a completion is available or timeout
// elapses, whichever comes first, by submitting a library-owned timeout
// SQE carrying TimeoutUserData. On plain expiry it returns
// context.DeadlineExceeded; if the timeout op itself failed for some other
// reason, that error is returned instead.
//
// Because it reserves and submits an SQE as well as consuming CQEs, it must
// not run concurrently with another goroutine's GetSQE/Prep*/Submit calls,
// even when SQ and CQ work is otherwise split between goroutines. This is
// not checked at run time.
func (r *Ring) WaitCQETimeout(timeout time.Duration) (*sys.CQE, error) {
	if r.closed.Load() {
		return nil, ErrRingClosed
	}

	if cqe, _ := r.peekVisibleCQE(); cqe != nil {
		return cqe, nil
	}

	ts := &sys.Timespec{
		Sec:  int64(timeout / time.Second),
		Nsec: int64(timeout % time.Second),
	}

	if err := r.PrepTimeout(ts, 1, 0, TimeoutUserData); err != nil {
		return r.waitCQETimeoutPoll(timeout)
	}

	if _, err := r.SubmitAndWait(1); err != nil {
		return nil, err
	}

	cqe, sentinelErr := r.peekVisibleCQE()
	if cqe != nil {
		return cqe, nil
	}
	if sentinelErr != nil && !errors.Is(sentinelErr, unix.ETIME) {
		return nil, sentinelErr
	}
	return nil, context.DeadlineExceeded
}

// waitCQETimeoutPoll is the fallback path for when a timeout SQE cannot be
// queued (submission queue full): poll PeekCQE on a short interval instead
// of relying on the kernel to wake us.
func (r *Ring) waitCQETimeoutPoll(timeout time.Duration) (*sys.CQE, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 500 * time.Microsecond

	for {
		if cqe := r.PeekCQE(); cqe != nil {
			return cqe, nil
		}
		if time.Now().After(deadline) {
			return nil, context.DeadlineExceeded
		}
		time.Sleep(pollInterval)
	}
}

// WaitCQEContext blocks until a completion is available or ctx is done.
func (r *Ring) WaitCQEContext(ctx context.Context) (*sys.CQE, error) {
	if cqe := r.PeekCQE(); cqe != nil {
		return cqe, nil
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		return r.WaitCQE()
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, ctx.Err()
	}
	return r.WaitCQETimeout(remaining)
}

// WaitCQEs blocks until at least waitNr completions are ready, bounding the
// wait by timeout when non-nil and masking signals the way ppoll/pselect
// do when sigmask is non-nil: a signal outside the mask still interrupts
// the wait (and is retried transparently, see enterRetry/enterExtRetry),
// while one inside the mask stays blocked for the call's duration. Unlike
// WaitCQETimeout this issues the wait directly via IORING_ENTER_EXT_ARG
// instead of injecting a timeout SQE, so it never consumes an SQ slot.
func (r *Ring) WaitCQEs(waitNr uint32, timeout *time.Duration, sigmask *unix.Sigset_t) (*sys.CQE, error) {
	if r.closed.Load() {
		return nil, ErrRingClosed
	}

	if cqe, _ := r.peekVisibleCQE(); cqe != nil {
		return cqe, nil
	}

	r.sqLock.Lock()
	flushed := r.flush()
	r.sqLock.Unlock()

	var flags uint32 = sys.IORING_ENTER_GETEVENTS
	if r.needsWakeup() {
		flags |= sys.IORING_ENTER_SQ_WAKEUP
	}

	if timeout != nil {
		ts := sys.Timespec{
			Sec:  int64(*timeout / time.Second),
			Nsec: int64(*timeout % time.Second),
		}
		arg := sys.GetEventsArg{Ts: uint64(uintptr(unsafe.Pointer(&ts)))}
		if sigmask != nil {
			arg.Sigmask = uint64(uintptr(unsafe.Pointer(sigmask)))
			arg.SigmaskSz = sys.SigsetSize
		}
		if _, err := enterExtRetry(r.fd, flushed, waitNr, flags, &arg); err != nil {
			if errors.Is(err, unix.ETIME) {
				return nil, context.DeadlineExceeded
			}
			return nil, err
		}
	} else {
		if _, err := enterRetry(r.fd, flushed, waitNr, flags, sigmask); err != nil {
			return nil, err
		}
	}

	cqe, sentinelErr := r.peekVisibleCQE()
	if cqe != nil {
		return cqe, nil
	}
	if sentinelErr != nil {
		return nil, sentinelErr
	}
	return nil, ErrCQOverflow
}

// CQEIterator walks the user-visible CQEs that were ready at the moment it
// was created: cq.tail is read with a single acquire load in
// newCQEIterator, and Next never looks past that snapshot, so completions
// the kernel posts mid-loop are left for the next call to pick up rather
// than being folded into this one.
type CQEIterator struct {
	r      *Ring
	cursor uint32
	tail   uint32
}

// newCQEIterator snapshots cq.head/cq.tail once and returns an iterator
// bound to that range.
func (r *Ring) newCQEIterator() *CQEIterator {
	return &CQEIterator{
		r:      r,
		cursor: barrier.AcquireLoad(r.cqHead),
		tail:   barrier.AcquireLoad(r.cqTail),
	}
}

// Next returns the next user-visible CQE within the iterator's snapshot, or
// nil once the snapshot is exhausted. Timeout-sentinel CQEs are consumed
// and skipped automatically, same as PeekCQE.
func (it *CQEIterator) Next() *sys.CQE {
	for it.cursor != it.tail {
		idx := it.cursor & it.r.cqMask
		cqe := &it.r.cqes[idx]
		it.cursor++
		if cqe.UserData == TimeoutUserData {
			continue
		}
		return cqe
	}
	return nil
}

// Seen releases every slot the iterator has walked so far — consumed or
// skipped — back to the kernel with a single release store.
func (it *CQEIterator) Seen() {
	head := barrier.AcquireLoad(it.r.cqHead)
	if it.cursor != head {
		barrier.ReleaseStore(it.r.cqHead, it.cursor)
	}
}

// ForEachCQE calls fn once per CQE visible in a single tail snapshot, then
// advances the consumer cursor past every walked slot with one release store
// when the loop ends. Iteration stops early if fn
// returns an error, which is then returned to the caller; slots already
// walked (including any skipped sentinel) are still released.
func (r *Ring) ForEachCQE(fn func(*sys.CQE) error) error {
	it := r.newCQEIterator()
	defer it.Seen()

	for {
		cqe := it.Next()
		if cqe == nil {
			return nil
		}
		if err := fn(cqe); err != nil {
			return err
		}
	}
}

// DrainCQEs consumes and discards every CQE visible in a single tail
// snapshot, returning the count discarded. Used when shutting a ring down
// and abandoning any outstanding completions.
func (r *Ring) DrainCQEs() uint32 {
	it := r.newCQEIterator()
	defer it.Seen()

	var n uint32
	for it.Next() != nil {
		n++
	}
	return n
}
