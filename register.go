//go:build linux

package iouring

import (
	"golang.org/x/sys/unix"

	"github.com/go-uringcore/uringcore/internal/sys"
)

// RegisterBuffers registers a fixed set of buffers for use with
// PrepReadFixed/PrepWriteFixed, avoiding the per-call buffer pinning cost
// of unregistered I/O.
func (r *Ring) RegisterBuffers(iovecs []unix.Iovec) error {
	if err := sys.RegisterBuffers(r.fd, iovecs); err != nil {
		return err
	}
	r.log.Debug().Int("count", len(iovecs)).Msg("buffers registered")
	return nil
}

// UnregisterBuffers removes the ring's registered buffer set.
func (r *Ring) UnregisterBuffers() error {
	return sys.UnregisterBuffers(r.fd)
}

// RegisterFiles registers a fixed file descriptor table for use with
// SetSQEFixedFile. Closed slots should be represented as -1.
func (r *Ring) RegisterFiles(fds []int32) error {
	if err := sys.RegisterFiles(r.fd, fds); err != nil {
		return err
	}
	r.log.Debug().Int("count", len(fds)).Msg("files registered")
	return nil
}

// UnregisterFiles removes the ring's registered file table.
func (r *Ring) UnregisterFiles() error {
	return sys.UnregisterFiles(r.fd)
}

// UpdateFiles replaces registered-file-table entries starting at offset
// without unregistering and re-registering the whole table. Use -1 in fds
// to clear a slot.
func (r *Ring) UpdateFiles(offset uint32, fds []int32) error {
	if err := sys.UpdateFiles(r.fd, offset, fds); err != nil {
		return err
	}
	r.log.Debug().Int("count", len(fds)).Uint32("offset", offset).Msg("files updated")
	return nil
}

// RegisterEventfd arms eventfd for notification on every completion.
func (r *Ring) RegisterEventfd(eventfd int) error {
	return sys.RegisterEventfd(r.fd, eventfd)
}

// RegisterEventfdAsync arms eventfd for notification only on completions
// that finished asynchronously, which cuts notification volume for rings
// whose hot path mostly completes inline.
func (r *Ring) RegisterEventfdAsync(eventfd int) error {
	return sys.RegisterEventfdAsync(r.fd, eventfd)
}

// UnregisterEventfd removes the ring's registered eventfd.
func (r *Ring) UnregisterEventfd() error {
	return sys.UnregisterEventfd(r.fd)
}

// RegisterPersonality snapshots the caller's current credentials with the
// kernel and returns an id that later SQEs can set in their Personality
// field to issue with those credentials instead of the submitting task's.
func (r *Ring) RegisterPersonality() (int, error) {
	id, err := sys.RegisterPersonality(r.fd)
	if err != nil {
		return 0, err
	}
	r.log.Debug().Int("id", id).Msg("personality registered")
	return id, nil
}

// UnregisterPersonality removes a previously registered personality id.
func (r *Ring) UnregisterPersonality(id int) error {
	return sys.UnregisterPersonality(r.fd, id)
}
