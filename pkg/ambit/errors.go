package ambit

import (
	"errors"
	"fmt"
	"strings"
)

// Codec errors
var (
	ErrMalformedLog = errors.New("malformed log")
	ErrPartialLog   = errors.New("partial log")
	ErrBadFrame     = errors.New("bad frame")
)

// MalformedLogError is returned when a block cannot be decoded at all.
type MalformedLogError struct {
	Reason string
}

func (e *MalformedLogError) Error() string {
	return "malformed log: " + e.Reason
}

// Is reports whether target is ErrMalformedLog.
func (e *MalformedLogError) Is(target error) bool {
	return target == ErrMalformedLog
}

func malformed(format string, args ...any) error {
	return &MalformedLogError{Reason: fmt.Sprintf(format, args...)}
}

// PartialLogError accompanies a LogEntry whose header and statistics decoded
// but one or more sample series had to be dropped.
type PartialLogError struct {
	LogID   uint32
	Dropped []SampleKind
	Reason  string
}

func (e *PartialLogError) Error() string {
	kinds := make([]string, 0, len(e.Dropped))
	for _, k := range e.Dropped {
		kinds = append(kinds, k.String())
	}
	return fmt.Sprintf("partial log %d: dropped [%s]: %s", e.LogID, strings.Join(kinds, ","), e.Reason)
}

// Is reports whether target is ErrPartialLog.
func (e *PartialLogError) Is(target error) bool {
	return target == ErrPartialLog
}
