package controller

import "errors"

var (
	// ErrNotConnected is returned by Send when the device has no live session.
	// It is recoverable: the caller may connect and retry.
	ErrNotConnected = errors.New("device is not connected")

	// ErrDeviceOffline is returned by Connect when the latest device
	// snapshot does not list the device as online.
	ErrDeviceOffline = errors.New("device is offline")

	// ErrShuttingDown is returned by operations issued during or after Shutdown.
	ErrShuttingDown = errors.New("controller is shutting down")

	// ErrSuperseded is returned by a queued Connect that was replaced by a
	// newer Connect for the same device before it started.
	ErrSuperseded = errors.New("connect superseded by a newer request")

	// ErrSettleTimeout is returned by Connect when the previous session for
	// the device did not finish exiting in time.
	ErrSettleTimeout = errors.New("previous session did not exit in time")

	// ErrInvalidMessage is returned by Send for text holding control
	// characters such as newlines or the interrupt byte.
	ErrInvalidMessage = errors.New("message contains control characters")
)
