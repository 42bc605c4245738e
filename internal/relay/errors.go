package relay

import "errors"

var (
	// ErrEnvironmentUnavailable means the Linux execution environment does
	// not exist yet; `stoker setup` creates it.
	ErrEnvironmentUnavailable = errors.New("execution environment unavailable")

	// ErrProvisionFailed means the environment exists but could not be
	// brought up.
	ErrProvisionFailed = errors.New("execution environment provisioning failed")
)
