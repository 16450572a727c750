// Package xerrors provides error construction and wrapping helpers that
// carry program counters, so logs can point at the frame that created or
// wrapped an error without the cost of a full stack at every level.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// traced carries a full captured stack from the error's origin.
type traced struct {
	err error
	pcs []uintptr
}

func (t *traced) Error() string       { return t.err.Error() }
func (t *traced) Unwrap() error       { return t.err }
func (t *traced) StackPCs() []uintptr { return t.pcs }

// wrapped annotates an error with a message and the single wrapping frame.
type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) PC() uintptr   { return w.pc }

// New returns an error with msg and the stack of the caller.
func New(msg string) error { return &traced{err: errors.New(msg), pcs: callers(1)} }

// Newf formats like fmt.Errorf and attaches the caller's stack. %w works.
func Newf(format string, args ...any) error {
	return &traced{err: fmt.Errorf(format, args...), pcs: callers(1)}
}

// Wrap annotates err with msg and the wrapping call site.
// Returns nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: caller(1)}
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: caller(1)}
}

// WithStack attaches the caller's stack to err without changing its message.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &traced{err: err, pcs: callers(1)}
}

// EnsureTrace attaches a stack only if no error in the chain carries one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return &traced{err: err, pcs: callers(1)}
}

// Frames renders the deepest captured stack in the chain as
// "func\n\tfile:line" lines, or "" when no error carries one.
func Frames(err error) string {
	var pcs []uintptr
	for e := err; e != nil; e = errors.Unwrap(e) {
		if hs, ok := e.(interface{ StackPCs() []uintptr }); ok {
			pcs = hs.StackPCs()
		}
	}
	if len(pcs) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

func callers(skip int) []uintptr {
	const depth = 64
	pcs := make([]uintptr, depth)
	// 2 skips runtime.Callers and callers itself
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func caller(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(2+skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}
