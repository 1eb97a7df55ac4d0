package nmt

import "errors"

// ErrTimeout is returned by AwaitState when the deadline elapses before the
// target state is observed.
var ErrTimeout = errors.New("nmt: timeout waiting for state")
