//go:build linux

// Package iouring provides a user-space coordination layer over the
// io_uring submission/completion ring protocol: ring setup and teardown,
// SQE reservation and publication, CQE observation and retirement, and
// registered-resource management (buffers, files, eventfd, personalities).
//
// The kernel itself is modeled only through the two syscalls it exposes
// (enter, register) and the shared-memory ring layout it reports at setup;
// opcode semantics are not implemented or interpreted here.
package iouring

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/go-uringcore/uringcore/internal/barrier"
	"github.com/go-uringcore/uringcore/internal/sys"
	"github.com/rs/zerolog"
)

// Common errors.
var (
	ErrRingClosed      = errors.New("iouring: ring closed")
	ErrSQFull          = errors.New("iouring: submission queue full")
	ErrCQOverflow      = errors.New("iouring: completion queue overflow")
	ErrNotSupported    = errors.New("iouring: operation not supported on this kernel")
	ErrInvalidArgument = errors.New("iouring: invalid argument")
)

// Timespec is a time specification for timeout operations.
type Timespec = sys.Timespec

// TimeoutUserData is the reserved user-data sentinel used for
// library-injected timeout SQEs (see WaitCQETimeout). Applications must
// not use this value for their own SQEs.
const TimeoutUserData = ^uint64(0)

// Ring represents an io_uring instance: the kernel file descriptor, the
// setup flags and feature bits the kernel reported back, and the two
// mapped rings.
type Ring struct {
	fd       int
	params   sys.Params
	features uint32

	// Submission queue — kernel-writable head, user-writable tail.
	sqRing     []byte
	sqEntries  uint32
	sqMask     uint32
	sqHead     *uint32
	sqTail     *uint32
	sqFlags    *uint32
	sqDropped  *uint32
	sqArray    []uint32
	sqes       []sys.SQE
	sqesMmap   []byte
	cqRingSame bool

	// Completion queue — user-writable head, kernel-writable tail.
	cqRing     []byte
	cqEntries  uint32
	cqMask     uint32
	cqHead     *uint32
	cqTail     *uint32
	cqFlags    *uint32
	cqOverflow *uint32
	cqes       []sys.CQE

	// Private, user-side-only cursors (spec: sqe_head/sqe_tail).
	sqLock  sync.Mutex
	sqeHead uint32 // oldest reserved-but-unpublished
	sqeTail uint32 // next free slot to reserve

	closed atomic.Bool
	log    zerolog.Logger
}

// Option configures ring setup.
type Option func(*sys.Params)

// WithSQPoll enables kernel-side SQ polling. Eliminates syscalls for
// submission when the SQ poll thread is awake, but requires CAP_SYS_NICE
// or a kernel that permits unprivileged io_uring SQPOLL.
func WithSQPoll() Option {
	return func(p *sys.Params) { p.Flags |= sys.IORING_SETUP_SQPOLL }
}

// WithSQPollCPU pins the SQPOLL kernel thread to a specific CPU. Must be
// combined with WithSQPoll.
func WithSQPollCPU(cpu uint32) Option {
	return func(p *sys.Params) {
		p.Flags |= sys.IORING_SETUP_SQ_AFF
		p.SQThreadCPU = cpu
	}
}

// WithSQPollIdle sets the idle timeout (milliseconds) for the SQPOLL
// thread before it needs a wakeup.
func WithSQPollIdle(ms uint32) Option {
	return func(p *sys.Params) { p.SQThreadIdle = ms }
}

// WithIOPoll enables I/O polling for completions. Only meaningful with
// file descriptors that support polled completion (e.g. NVMe).
func WithIOPoll() Option {
	return func(p *sys.Params) { p.Flags |= sys.IORING_SETUP_IOPOLL }
}

// WithCQSize requests an explicit completion queue size instead of the
// kernel's default (2x the SQ size).
func WithCQSize(size uint32) Option {
	return func(p *sys.Params) {
		p.Flags |= sys.IORING_SETUP_CQSIZE
		p.CQEntries = size
	}
}

// WithSingleIssuer indicates only one task will submit to this ring,
// enabling kernel-side optimizations.
func WithSingleIssuer() Option {
	return func(p *sys.Params) { p.Flags |= sys.IORING_SETUP_SINGLE_ISSUER }
}

// WithDeferTaskrun defers task work until the next enter call, batching
// completions. Requires WithSingleIssuer.
func WithDeferTaskrun() Option {
	return func(p *sys.Params) {
		p.Flags |= sys.IORING_SETUP_DEFER_TASKRUN | sys.IORING_SETUP_SINGLE_ISSUER
	}
}

// WithCoopTaskrun enables cooperative task running.
func WithCoopTaskrun() Option {
	return func(p *sys.Params) { p.Flags |= sys.IORING_SETUP_COOP_TASKRUN }
}

// WithClamp clamps SQ/CQ entry counts to the kernel maximum instead of
// failing setup when the requested size is too large.
func WithClamp() Option {
	return func(p *sys.Params) { p.Flags |= sys.IORING_SETUP_CLAMP }
}

// WithAttachWQ shares the async worker pool of another io_uring instance,
// identified by its file descriptor.
func WithAttachWQ(fd int) Option {
	return func(p *sys.Params) {
		p.Flags |= sys.IORING_SETUP_ATTACH_WQ
		p.WQFd = uint32(fd)
	}
}

// WithFlags sets arbitrary setup flags not covered by a named option.
func WithFlags(flags uint32) Option {
	return func(p *sys.Params) { p.Flags |= flags }
}

// WithParams merges a fully-built sys.Params into the ring's setup
// parameters, OR-ing flags and copying any non-zero scalar field. Intended
// for callers (like internal/config) that assemble Params from an external
// source instead of chaining With* options one at a time.
func WithParams(src sys.Params) Option {
	return func(p *sys.Params) {
		p.Flags |= src.Flags
		if src.SQThreadCPU != 0 {
			p.SQThreadCPU = src.SQThreadCPU
		}
		if src.SQThreadIdle != 0 {
			p.SQThreadIdle = src.SQThreadIdle
		}
		if src.CQEntries != 0 {
			p.CQEntries = src.CQEntries
		}
		if src.WQFd != 0 {
			p.WQFd = src.WQFd
		}
	}
}

// New creates a new io_uring instance. entries is the minimum number of
// submission queue entries (rounded up to a power of two by the kernel, and
// clamped to the kernel maximum only when WithClamp is set). This implements both "setup with params" (when options
// touch fields beyond Flags) and "setup with flags" (when they don't) —
// both forms go through the same kernel setup call.
func New(entries uint32, opts ...Option) (*Ring, error) {
	if entries == 0 {
		return nil, ErrInvalidArgument
	}

	params := sys.Params{}
	for _, opt := range opts {
		opt(&params)
	}

	fd, err := sys.Setup(entries, &params)
	if err != nil {
		return nil, err
	}

	r := &Ring{
		fd:       fd,
		params:   params,
		features: params.Features,
		log:      zerolog.Nop(),
	}

	if err := r.mapRings(); err != nil {
		sys.Close(fd)
		return nil, err
	}

	r.log.Debug().Int("fd", fd).Uint32("sq_entries", r.sqEntries).
		Uint32("cq_entries", r.cqEntries).Msg("ring opened")

	return r, nil
}

// SetLogger attaches a structured logger for lifecycle and registration
// events. Never called from the submission or completion hot path.
func (r *Ring) SetLogger(l zerolog.Logger) {
	r.log = l
}

// mapRings maps the SQ, CQ, and SQE arrays into process memory and
// resolves pointers to each ring field from the kernel-reported offsets
// in r.params. Offsets are never hard-coded — always read from params.
func (r *Ring) mapRings() error {
	p := &r.params

	sqRingSize := p.SQOff.Array + p.SQEntries*4
	cqRingSize := p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(sys.CQE{}))

	singleMmap := p.Features&sys.IORING_FEAT_SINGLE_MMAP != 0
	if singleMmap && cqRingSize > sqRingSize {
		sqRingSize = cqRingSize
	}

	var err error
	r.sqRing, err = sys.Mmap(r.fd, sys.IORING_OFF_SQ_RING, int(sqRingSize),
		sys.ProtReadWrite, sys.MapSharedPopulate)
	if err != nil {
		return err
	}

	if singleMmap {
		r.cqRing = r.sqRing
		r.cqRingSame = true
	} else {
		r.cqRing, err = sys.Mmap(r.fd, sys.IORING_OFF_CQ_RING, int(cqRingSize),
			sys.ProtReadWrite, sys.MapSharedPopulate)
		if err != nil {
			sys.Munmap(r.sqRing)
			return err
		}
	}

	sqeSize := p.SQEntries * uint32(unsafe.Sizeof(sys.SQE{}))
	r.sqesMmap, err = sys.Mmap(r.fd, sys.IORING_OFF_SQES, int(sqeSize),
		sys.ProtReadWrite, sys.MapSharedPopulate)
	if err != nil {
		if !singleMmap {
			sys.Munmap(r.cqRing)
		}
		sys.Munmap(r.sqRing)
		return err
	}

	r.sqEntries = *(*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.RingEntries]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.RingMask]))
	r.sqHead = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Tail]))
	r.sqFlags = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Flags]))
	r.sqDropped = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Dropped]))

	sqArrayPtr := unsafe.Pointer(&r.sqRing[p.SQOff.Array])
	r.sqArray = unsafe.Slice((*uint32)(sqArrayPtr), r.sqEntries)

	sqesPtr := unsafe.Pointer(&r.sqesMmap[0])
	r.sqes = unsafe.Slice((*sys.SQE)(sqesPtr), p.SQEntries)

	r.cqEntries = *(*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.RingEntries]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.RingMask]))
	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Tail]))
	r.cqFlags = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Flags]))
	r.cqOverflow = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Overflow]))

	cqesPtr := unsafe.Pointer(&r.cqRing[p.CQOff.CQEs])
	r.cqes = unsafe.Slice((*sys.CQE)(cqesPtr), r.cqEntries)

	// Seed the private reservation cursors from the kernel-visible tail so
	// a ring built against an already-populated fd (not expected in normal
	// use, but cheap to guard) starts consistent.
	tail := barrier.AcquireLoad(r.sqTail)
	r.sqeHead = tail
	r.sqeTail = tail

	return nil
}

// Close unmaps the ring regions and closes the instance fd. Safe to call
// after a failed New (no partial state), and idempotent — a second call
// is a no-op. Calling Close concurrently with SQ/CQ access on another
// thread is not supported (document the contract per spec.md §8.5).
func (r *Ring) Close() error {
	if r == nil {
		return nil
	}
	if r.closed.Swap(true) {
		return nil
	}

	if !r.cqRingSame && r.cqRing != nil {
		sys.Munmap(r.cqRing)
	}
	if r.sqRing != nil {
		sys.Munmap(r.sqRing)
	}
	if r.sqesMmap != nil {
		sys.Munmap(r.sqesMmap)
	}

	err := sys.Close(r.fd)
	r.log.Debug().Int("fd", r.fd).Err(err).Msg("ring closed")
	return err
}

// SetDoNotFork hints the kernel that the mapped regions should not be
// inherited across fork, so a forked child process never observes stale
// ring indices it has no business touching.
func (r *Ring) SetDoNotFork() error {
	if err := sys.DontFork(r.sqRing); err != nil {
		return err
	}
	if !r.cqRingSame {
		if err := sys.DontFork(r.cqRing); err != nil {
			return err
		}
	}
	return sys.DontFork(r.sqesMmap)
}

// Fd returns the instance file descriptor.
func (r *Ring) Fd() int { return r.fd }

// Features returns the feature flags the kernel reported at setup.
func (r *Ring) Features() uint32 { return r.features }

// HasFeature reports whether a specific feature bit is set.
func (r *Ring) HasFeature(feat uint32) bool { return r.features&feat != 0 }

// SQEntries returns the submission queue capacity.
func (r *Ring) SQEntries() uint32 { return r.sqEntries }

// CQEntries returns the completion queue capacity.
func (r *Ring) CQEntries() uint32 { return r.cqEntries }

// SQReady returns the number of SQEs reserved but not yet published.
func (r *Ring) SQReady() uint32 {
	r.sqLock.Lock()
	defer r.sqLock.Unlock()
	return r.sqeTail - r.sqeHead
}

// SQSpace returns the available reservation space in the submission
// queue: ring_entries - (sqe_tail - sqe_head).
func (r *Ring) SQSpace() uint32 {
	r.sqLock.Lock()
	defer r.sqLock.Unlock()
	return r.sqEntries - (r.sqeTail - r.sqeHead)
}

// CQReady returns the number of CQEs posted but not yet retired.
func (r *Ring) CQReady() uint32 {
	head := barrier.AcquireLoad(r.cqHead)
	tail := barrier.AcquireLoad(r.cqTail)
	return tail - head
}

// CQOverflow returns the number of completions the kernel dropped due to
// CQ overflow. Only meaningful when HasFeature(sys.IORING_FEAT_NODROP) is
// false — with that feature the kernel itself avoids dropping.
func (r *Ring) CQOverflow() uint32 {
	return barrier.AcquireLoad(r.cqOverflow)
}

// SQDropped returns the number of SQEs the kernel ignored due to invalid
// indices.
func (r *Ring) SQDropped() uint32 {
	return barrier.AcquireLoad(r.sqDropped)
}

// needsWakeup reports whether the SQPOLL thread requires an explicit
// wakeup flag on the next enter call.
func (r *Ring) needsWakeup() bool {
	if r.params.Flags&sys.IORING_SETUP_SQPOLL == 0 {
		return false
	}
	return barrier.AcquireLoad(r.sqFlags)&sys.IORING_SQ_NEED_WAKEUP != 0
}
