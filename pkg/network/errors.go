package network

import "errors"

var (
	// Pool errors
	ErrPoolExhausted = errors.New("no free /30 segment in pool")
	ErrInvalidPool   = errors.New("invalid pool CIDR")

	// TAP device errors
	ErrTapNameExists   = errors.New("tap device name already exists")
	ErrTapCreateFailed = errors.New("failed to create tap device")

	// Bridge errors
	ErrBridgeNotFound     = errors.New("bridge device not found")
	ErrBridgeCreateFailed = errors.New("failed to create bridge device")

	// Setup errors. ErrNetworkSetup wraps any failure after the tap was
	// created; the allocator rolls the tap back before returning.
	ErrNetworkSetup       = errors.New("network setup failed")
	ErrNATSetupFailed     = errors.New("failed to setup NAT rules")
	ErrForwardingDisabled = errors.New("IP forwarding is disabled")
)
