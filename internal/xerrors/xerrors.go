// Package xerrors adds call-site and stack capture to errors, and error kinds
// that classify bundle lifecycle failures for callers and logs.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// wrapper is implemented by this package's own error layers. Loggers skip
// them when naming the type of an error.
type wrapper interface{ xerrorsWrapper() }

// withStack records the goroutine stack where an error entered the system.
type withStack struct {
	err error
	pcs []uintptr
}

func (w *withStack) Error() string       { return w.err.Error() }
func (w *withStack) Unwrap() error       { return w.err }
func (w *withStack) StackPCs() []uintptr { return w.pcs }
func (w *withStack) xerrorsWrapper()     {}

// wrap adds a message and the single caller frame of Wrap/Wrapf.
type wrap struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrap) Error() string   { return w.msg + ": " + w.err.Error() }
func (w *wrap) Unwrap() error   { return w.err }
func (w *wrap) PC() uintptr     { return w.pc }
func (w *wrap) xerrorsWrapper() {}

// skip counts frames above the exported constructor.
func captureStack(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+3, pcs)
	return pcs[:n]
}

func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip+3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func New(msg string) error {
	return &withStack{err: errors.New(msg), pcs: captureStack(0)}
}

func Newf(format string, args ...any) error {
	return &withStack{err: fmt.Errorf(format, args...), pcs: captureStack(0)}
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: msg, pc: callerPC(0)}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC(0)}
}

// WithStack always records the caller's stack.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &withStack{err: err, pcs: captureStack(0)}
}

// EnsureTrace records the caller's stack unless err already carries one.
// Use it where third-party errors (AWS, bbolt, zip) first enter our code.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	if len(StackOf(err)) > 0 {
		return err
	}
	return &withStack{err: err, pcs: captureStack(0)}
}

// StackOf returns the first captured stack in err's chain, or nil.
func StackOf(err error) []uintptr {
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && hs != nil {
		return hs.StackPCs()
	}
	return nil
}

// CallSite returns where this exact error value was created or wrapped. It
// does not search the chain: each layer reports its own site.
func CallSite(err error) (runtime.Frame, bool) {
	var pc uintptr
	switch e := err.(type) {
	case interface{ PC() uintptr }:
		pc = e.PC()
	case interface{ StackPCs() []uintptr }:
		if pcs := e.StackPCs(); len(pcs) > 0 {
			pc = pcs[0]
		}
	}
	if pc == 0 {
		return runtime.Frame{}, false
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return fr, fr.Function != ""
}

// IsWrapper reports whether err is a layer added by this package rather
// than an error with its own meaning.
func IsWrapper(err error) bool {
	_, ok := err.(wrapper)
	return ok
}
