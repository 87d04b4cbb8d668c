package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vocdoni/ballot-integrity/coordinator"
	"github.com/vocdoni/ballot-integrity/log"
)

// Reconciler is the reconciliation entry point of the coordinator.
type Reconciler interface {
	Reconcile(ctx context.Context) (*coordinator.ReconcileReport, error)
}

// ReconcileService resolves interrupted casts once at startup and then checks
// the ledger and tally consistency periodically.
type ReconcileService struct {
	reconciler Reconciler
	interval   time.Duration
	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	last       *coordinator.ReconcileReport
}

// NewReconcileService creates a ReconcileService. An interval of zero only
// runs the startup pass.
func NewReconcileService(r Reconciler, interval time.Duration) *ReconcileService {
	return &ReconcileService{reconciler: r, interval: interval}
}

// Start runs a first reconciliation pass before returning, so no cast is
// served over unresolved intents, and then starts the periodic checks. It
// returns an error if the service is already running or the first pass
// fails.
func (rs *ReconcileService) Start(ctx context.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cancel != nil {
		return fmt.Errorf("service already running")
	}
	report, err := rs.reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	rs.last = report
	log.Infow("startup reconciliation done",
		"clearedIntents", report.ClearedIntents,
		"alerts", report.Alerts,
		"reloaded", len(report.Reloaded),
		"inconsistent", len(report.Inconsistent))

	ctx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})
	go rs.loop(ctx, rs.done)
	return nil
}

func (rs *ReconcileService) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	if rs.interval <= 0 {
		return
	}
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := rs.reconciler.Reconcile(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warnw("reconciliation failed", "error", err.Error())
				}
				continue
			}
			rs.mu.Lock()
			rs.last = report
			rs.mu.Unlock()
		}
	}
}

// Stop halts the periodic checks and waits for a running pass to finish.
func (rs *ReconcileService) Stop() {
	rs.mu.Lock()
	cancel, done := rs.cancel, rs.done
	rs.cancel, rs.done = nil, nil
	rs.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// LastReport returns the report of the latest completed pass.
func (rs *ReconcileService) LastReport() *coordinator.ReconcileReport {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.last
}
