package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/ballot-integrity/coordinator"
)

type countingReconciler struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (r *countingReconciler) Reconcile(context.Context) (*coordinator.ReconcileReport, error) {
	n := r.calls.Add(1)
	if r.fail.Load() {
		return nil, errors.New("storage offline")
	}
	return &coordinator.ReconcileReport{ClearedIntents: int(n)}, nil
}

func TestReconcileService(t *testing.T) {
	c := qt.New(t)
	r := &countingReconciler{}
	rs := NewReconcileService(r, 10*time.Millisecond)

	c.Assert(rs.Start(context.Background()), qt.IsNil)
	// the startup pass runs before Start returns
	c.Assert(rs.LastReport(), qt.IsNotNil)
	c.Assert(rs.Start(context.Background()), qt.ErrorMatches, "service already running")

	deadline := time.Now().Add(5 * time.Second)
	for r.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Assert(r.calls.Load() >= 3, qt.IsTrue)

	rs.Stop()
	calls := r.calls.Load()
	time.Sleep(30 * time.Millisecond)
	c.Assert(r.calls.Load(), qt.Equals, calls)
	// stopping twice is harmless
	rs.Stop()
}

func TestReconcileServiceStartupFailure(t *testing.T) {
	c := qt.New(t)
	r := &countingReconciler{}
	r.fail.Store(true)
	rs := NewReconcileService(r, 0)
	c.Assert(rs.Start(context.Background()), qt.ErrorMatches, "startup reconciliation failed: storage offline")

	// a failed start leaves the service stopped
	r.fail.Store(false)
	c.Assert(rs.Start(context.Background()), qt.IsNil)
	rs.Stop()
}
