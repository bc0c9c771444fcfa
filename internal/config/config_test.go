package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-uringcore/uringcore/internal/sys"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ring.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Ring{}, cfg)
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeConfig(t, `
entries: 256
sq_poll: true
sq_poll_cpu: 2
sq_poll_idle_ms: 1000
io_poll: false
cq_size: 512
single_issuer: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint32(256), cfg.Entries)
	require.True(t, cfg.SQPoll)
	require.NotNil(t, cfg.SQPollCPU)
	require.Equal(t, uint32(2), *cfg.SQPollCPU)
	require.Equal(t, uint32(1000), cfg.SQPollIdleMs)
	require.Equal(t, uint32(512), cfg.CQSize)
	require.True(t, cfg.SingleIssuer)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "entries: [this is not a uint32")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cpu := uint32(1)
	tests := []struct {
		name    string
		cfg     Ring
		wantErr bool
	}{
		{"zero entries rejected", Ring{}, true},
		{"minimal valid", Ring{Entries: 128}, false},
		{"sq_poll_cpu without sq_poll rejected", Ring{Entries: 128, SQPollCPU: &cpu}, true},
		{"sq_poll_cpu with sq_poll accepted", Ring{Entries: 128, SQPoll: true, SQPollCPU: &cpu}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestParamsTranslatesFlags(t *testing.T) {
	cpu := uint32(3)
	cfg := Ring{
		Entries:      128,
		SQPoll:       true,
		SQPollCPU:    &cpu,
		SQPollIdleMs: 500,
		IOPoll:       true,
		CQSize:       1024,
		SingleIssuer: true,
		DeferTaskrun: true,
		CoopTaskrun:  true,
		Clamp:        true,
	}

	p := cfg.Params()
	require.NotZero(t, p.Flags&sys.IORING_SETUP_SQPOLL)
	require.NotZero(t, p.Flags&sys.IORING_SETUP_SQ_AFF)
	require.Equal(t, uint32(3), p.SQThreadCPU)
	require.Equal(t, uint32(500), p.SQThreadIdle)
	require.NotZero(t, p.Flags&sys.IORING_SETUP_IOPOLL)
	require.NotZero(t, p.Flags&sys.IORING_SETUP_CQSIZE)
	require.Equal(t, uint32(1024), p.CQEntries)
	require.NotZero(t, p.Flags&sys.IORING_SETUP_SINGLE_ISSUER)
	require.NotZero(t, p.Flags&sys.IORING_SETUP_DEFER_TASKRUN)
	require.NotZero(t, p.Flags&sys.IORING_SETUP_COOP_TASKRUN)
	require.NotZero(t, p.Flags&sys.IORING_SETUP_CLAMP)
}

func TestParamsZeroValueIsInert(t *testing.T) {
	p := Ring{}.Params()
	require.Zero(t, p.Flags)
	require.Zero(t, p.SQThreadCPU)
	require.Zero(t, p.CQEntries)
}
