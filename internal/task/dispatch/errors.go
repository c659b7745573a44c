package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownKind = errors.New("unknown task kind")
	ErrDuplicate   = errors.New("task kind already registered")
	ErrEncode      = errors.New("payload encode failed")
	ErrDecode      = errors.New("payload decode failed")
	ErrPanic       = errors.New("task handler panicked")
)

// panicError carries the recovered value and a short stack.
type panicError struct {
	value any
	stack string
}

func (e panicError) Error() string { return fmt.Sprintf("%v: %v", ErrPanic, e.value) }
func (e panicError) Unwrap() error { return ErrPanic }
