package types

import "errors"

// Error kinds surfaced by the daemon. Call sites wrap them with context;
// callers test with errors.Is.
var (
	// ErrConfiguration means the FUSE driver has not been set up on this host.
	ErrConfiguration = errors.New("filesystem driver not configured")

	// ErrSessionNotFound means the session id is unset or unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrPath means a required path argument is empty.
	ErrPath = errors.New("path is required")

	// ErrKeyEncoding means a key, version or hash could not be decoded.
	ErrKeyEncoding = errors.New("malformed drive key")

	// ErrMountScope means a mount target lies outside the active root mount.
	ErrMountScope = errors.New("mount target outside root mountpoint")

	// ErrStorage marks failures reported by the drive engine.
	ErrStorage = errors.New("storage error")

	// ErrNetworkConvergence means a swarm join or leave failed.
	ErrNetworkConvergence = errors.New("network configuration failed")

	// ErrAuthentication means the caller was rejected by the RPC layer.
	ErrAuthentication = errors.New("authentication failed")

	// ErrNotMounted means an operation needs a root mount and none is active.
	ErrNotMounted = errors.New("no root drive mounted")
)
