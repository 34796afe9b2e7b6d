package device

import (
	"errors"
)

// Session errors
var (
	ErrDeviceUnresponsive = errors.New("device unresponsive")
	ErrSyncAborted        = errors.New("sync aborted")
	ErrOrbitalRejected    = errors.New("orbital data rejected")

	ErrUnsupported   = errors.New("command unsupported by device")
	ErrRejected      = errors.New("command rejected by device")
	ErrCommandFailed = errors.New("command failed on device")

	// ErrLimitExceeded means the device declared more logs or a larger log
	// than the session accepts
	ErrLimitExceeded = errors.New("device limit exceeded")
)
