// Package config builds ring setup parameters (a sys.Params, passed to
// iouring.WithParams) from a YAML file, for callers that want declarative
// setup instead of constructing iouring.Option values by hand. It does not
// parse command-line flags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/go-uringcore/uringcore/internal/sys"
)

// Ring holds the subset of ring setup knobs exposed as config. Field names
// mirror the iouring.With* option names so a config file reads the same as
// the programmatic API.
type Ring struct {
	Entries       uint32 `yaml:"entries"`
	SQPoll        bool   `yaml:"sq_poll"`
	SQPollCPU     *uint32 `yaml:"sq_poll_cpu"`
	SQPollIdleMs  uint32 `yaml:"sq_poll_idle_ms"`
	IOPoll        bool   `yaml:"io_poll"`
	CQSize        uint32 `yaml:"cq_size"`
	SingleIssuer  bool   `yaml:"single_issuer"`
	DeferTaskrun  bool   `yaml:"defer_taskrun"`
	CoopTaskrun   bool   `yaml:"coop_taskrun"`
	Clamp         bool   `yaml:"clamp"`
}

// Load reads a YAML config file at path into a Ring. A missing file is not
// an error — callers get the zero-value Ring, i.e. the kernel's defaults.
func Load(path string) (Ring, error) {
	var cfg Ring
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects config combinations the kernel would refuse or that
// make no sense together.
func (c Ring) Validate() error {
	if c.Entries == 0 {
		return fmt.Errorf("config: entries must be non-zero")
	}
	if c.SQPollCPU != nil && !c.SQPoll {
		return fmt.Errorf("config: sq_poll_cpu requires sq_poll")
	}
	return nil
}

// Params builds a sys.Params from the config, the same shape iouring.New
// builds internally from its Option functions. Exposed so a caller (e.g.
// cmd/uringctl) can report the resolved flags before opening a ring.
func (c Ring) Params() sys.Params {
	var p sys.Params
	if c.SQPoll {
		p.Flags |= sys.IORING_SETUP_SQPOLL
	}
	if c.SQPollCPU != nil {
		p.Flags |= sys.IORING_SETUP_SQ_AFF
		p.SQThreadCPU = *c.SQPollCPU
	}
	p.SQThreadIdle = c.SQPollIdleMs
	if c.IOPoll {
		p.Flags |= sys.IORING_SETUP_IOPOLL
	}
	if c.CQSize > 0 {
		p.Flags |= sys.IORING_SETUP_CQSIZE
		p.CQEntries = c.CQSize
	}
	if c.SingleIssuer {
		p.Flags |= sys.IORING_SETUP_SINGLE_ISSUER
	}
	if c.DeferTaskrun {
		p.Flags |= sys.IORING_SETUP_DEFER_TASKRUN | sys.IORING_SETUP_SINGLE_ISSUER
	}
	if c.CoopTaskrun {
		p.Flags |= sys.IORING_SETUP_COOP_TASKRUN
	}
	if c.Clamp {
		p.Flags |= sys.IORING_SETUP_CLAMP
	}
	return p
}
