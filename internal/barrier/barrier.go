// Package barrier names the acquire/release memory-ordering operations the
// ring protocol depends on. The shared SQ/CQ indices cross a trust boundary
// with code this process does not control (the kernel), so ordinary
// language-level locks are the wrong tool; these are thin, explicitly named
// wrappers over sync/atomic so each call site states which half of the
// producer/consumer contract it is upholding.
package barrier

import "sync/atomic"

// AcquireLoad reads a kernel-writable index so that any subsequent read of
// the data it guards is ordered after this load.
func AcquireLoad(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

// ReleaseStore publishes a user-writable index so that all prior writes to
// the data it guards are visible to the kernel before the store is observed.
func ReleaseStore(addr *uint32, val uint32) {
	atomic.StoreUint32(addr, val)
}
