package firecracker

import "errors"

var (
	// ErrProtocolRejected wraps any malformed or refused API response.
	// Non-fatal to the hypervisor process; the caller decides whether to
	// tear down.
	ErrProtocolRejected = errors.New("firecracker API rejected request")

	// ErrChannelClosed means the control socket broke mid-call; the owning
	// process is treated as dead.
	ErrChannelClosed = errors.New("firecracker control channel closed")

	// ErrBootTimeout is returned by the wait paths when the deadline
	// passes. The process is left running for the caller to decide.
	ErrBootTimeout = errors.New("timed out waiting for instance")
)
