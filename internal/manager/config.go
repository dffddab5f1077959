package manager

import (
	"time"

	"engined/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultHost      = "127.0.0.1"
	defaultPortStart = 8600
	defaultPortEnd   = 8699
	defaultCtx       = 4096
	defaultBatch     = 512
	defaultHeadroom  = 0.1
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	// EngineBin is the inference-engine server binary, assumed present on
	// disk; fetching or building it happens elsewhere.
	EngineBin string
	// RecordDir holds the persisted process records.
	RecordDir string
	// Registry lists the models known at startup; ensure requests may name
	// a registry id instead of a path.
	Registry []types.Model

	// Host and the port range bound the loopback transport.
	Host      string
	PortStart int
	PortEnd   int
	// SocketDir switches the transport to unix domain sockets, one socket
	// per server identity.
	SocketDir string

	// Engine defaults; per-request values override them.
	ContextLength uint64
	BatchSize     uint64
	Threads       int
	// Headroom is the fraction of each device's free memory left unused
	// by placement.
	Headroom float64

	ReadyTimeout time.Duration
	CallTimeout  time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.PortStart <= 0 {
		c.PortStart = defaultPortStart
	}
	if c.PortEnd < c.PortStart {
		c.PortEnd = defaultPortEnd
	}
	if c.ContextLength == 0 {
		c.ContextLength = defaultCtx
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatch
	}
	if c.Headroom <= 0 || c.Headroom >= 1 {
		c.Headroom = defaultHeadroom
	}
}
