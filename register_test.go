//go:build linux

package iouring

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRegisterUnregisterBuffers(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(8)
	require.NoError(t, err)
	defer ring.Close()

	buf := make([]byte, 4096)
	iovecs := []unix.Iovec{{Base: &buf[0]}}
	iovecs[0].SetLen(len(buf))

	require.NoError(t, ring.RegisterBuffers(iovecs))
	require.NoError(t, ring.UnregisterBuffers())
}

func TestRegisterUnregisterFiles(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(8)
	require.NoError(t, err)
	defer ring.Close()

	f, err := os.CreateTemp("", "uringcore-register-*")
	require.NoError(t, err)
	defer removeFile(f)

	require.NoError(t, ring.RegisterFiles([]int32{int32(f.Fd()), -1}))

	f2, err := os.CreateTemp("", "uringcore-register-update-*")
	require.NoError(t, err)
	defer removeFile(f2)

	require.NoError(t, ring.UpdateFiles(1, []int32{int32(f2.Fd())}))
	require.NoError(t, ring.UnregisterFiles())
}

func TestRegisterUnregisterEventfd(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(8)
	require.NoError(t, err)
	defer ring.Close()

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(efd)

	require.NoError(t, ring.RegisterEventfd(efd))
	require.NoError(t, ring.UnregisterEventfd())

	require.NoError(t, ring.RegisterEventfdAsync(efd))
	require.NoError(t, ring.UnregisterEventfd())
}

func TestRegisterUnregisterPersonality(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(8)
	require.NoError(t, err)
	defer ring.Close()

	id, err := ring.RegisterPersonality()
	require.NoError(t, err)
	require.GreaterOrEqual(t, id, 1)

	require.NoError(t, ring.UnregisterPersonality(id))
}
