// Package probe holds the health and readiness checks served on the ops
// listener.
package probe

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

// Probe is evaluated at request time: nil passes, an error fails with the
// error text as the reason.
type Probe interface{ Check(context.Context) error }

// Func adapts a function into a Probe.
type Func func(context.Context) error

func (f Func) Check(ctx context.Context) error { return f(ctx) }

// OK always passes.
func OK() Func { return func(context.Context) error { return nil } }

// All passes only if every non-nil probe passes and returns the first failure.
func All(ps ...Probe) Func {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// ReadyChecker reports an error until its component is ready.
type ReadyChecker interface{ ReadyErr() error }

// FromReady adapts a ReadyChecker, usually *bundle.Manager.
func FromReady(rc ReadyChecker) Func {
	return func(context.Context) error { return rc.ReadyErr() }
}

// ShutdownGate fails readiness once draining starts.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(reason)
	g.draining.Store(true)
}

func (g *ShutdownGate) Clear() {
	g.draining.Store(false)
}

func (g *ShutdownGate) Probe() Func {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		return xerrors.New(r)
	}
}
