package backend

// Config selects which Backend implementation to construct. The daemon
// builds one Config from its own configuration and calls New once at
// startup; there is no runtime backend switching.
type Config struct {
	// RemoteVsockContextID and RemoteVsockPort, when RemoteVsockPort is
	// non-zero, select the vsock-backed RemoteBackend. Otherwise the
	// built-in MockBackend is used.
	RemoteVsockContextID uint32
	RemoteVsockPort      uint32

	// MockMemoryPerModel is the synthetic per-model memory usage reported
	// by MockBackend, in bytes.
	MockMemoryPerModel int64
}

// New constructs the Backend selected by cfg.
func New(cfg Config) Backend {
	if cfg.RemoteVsockPort != 0 {
		return NewRemoteBackend(cfg.RemoteVsockContextID, cfg.RemoteVsockPort)
	}
	return NewMockBackend(cfg.MockMemoryPerModel)
}
