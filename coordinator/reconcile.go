package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/vocdoni/ballot-integrity/ledger"
	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/types"
)

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	// ClearedIntents counts intent records removed.
	ClearedIntents int `json:"clearedIntents"`
	// Alerts counts intents left by a failed compensation.
	Alerts int `json:"alerts"`
	// Reloaded lists the elections whose in-memory ledger was rebuilt from
	// storage.
	Reloaded []string `json:"reloaded,omitempty"`
	// Inconsistent lists the elections whose tally does not match the number
	// of active ballots.
	Inconsistent []string `json:"inconsistent,omitempty"`
}

// Reconcile resolves the intent records left by interrupted or failed casts
// and checks, for every election, that the in-memory ledger matches the
// stored one and that the tally matches the active ballots. Storage is the
// source of truth: a diverging in-memory ledger is rebuilt from it.
func (c *Coordinator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	intents, err := c.stg.Intents()
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	byElection := make(map[string][]*types.CastIntent)
	for _, in := range intents {
		byElection[in.ElectionID] = append(byElection[in.ElectionID], in)
	}

	elections, err := c.stg.Elections()
	if err != nil {
		return nil, fmt.Errorf("list elections: %w", err)
	}
	ids := make([]string, 0, len(elections))
	for _, e := range elections {
		ids = append(ids, e.ID)
	}
	for id := range byElection {
		if _, err := c.election(id); errors.Is(err, ErrElectionNotFound) {
			// intents of an unknown election cannot be resolved against a ledger
			for _, in := range byElection[id] {
				c.clearIntent(in, report)
			}
		}
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := c.reconcileElection(id, byElection[id], report); err != nil {
			return report, fmt.Errorf("reconcile %s: %w", id, err)
		}
	}
	if report.ClearedIntents > 0 || report.Alerts > 0 || len(report.Reloaded) > 0 ||
		len(report.Inconsistent) > 0 {
		log.Warnw("reconciliation finished",
			"clearedIntents", report.ClearedIntents,
			"alerts", report.Alerts,
			"reloaded", len(report.Reloaded),
			"inconsistent", len(report.Inconsistent))
	}
	return report, nil
}

func (c *Coordinator) reconcileElection(electionID string, intents []*types.CastIntent,
	report *ReconcileReport,
) error {
	rt, err := c.runtime(electionID)
	if err != nil {
		return err
	}
	// holding the election lock means no cast of this election is in flight,
	// so every intent found here is left over
	rt.mu.Lock()
	defer rt.mu.Unlock()

	records, err := c.stg.LedgerRecords(electionID)
	if err != nil {
		return err
	}
	for _, in := range intents {
		committed := in.LeafIndex < uint64(len(records)) && records[in.LeafIndex].BallotID == in.BallotID
		if in.State == types.IntentCompensated {
			report.Alerts++
			log.Errorw(fmt.Errorf("leaf %d was never committed", in.LeafIndex),
				"reconciling failed compensation",
				"electionId", in.ElectionID,
				"ballotId", in.BallotID.String(),
				"voterId", in.VoterID)
		} else if !committed {
			log.Warnw("discarding interrupted cast", "electionId", in.ElectionID,
				"ballotId", in.BallotID.String(), "voterId", in.VoterID)
		}
		c.clearIntent(in, report)
	}

	values := make([][]byte, len(records))
	for i, r := range records {
		values[i] = r.Value
	}
	tree := rt.tree.Load()
	if tree.Size() != uint64(len(values)) || !bytes.Equal(tree.Root(), ledger.BuildRoot(values)) {
		log.Warnw("rebuilding ledger from storage", "electionId", electionID,
			"memory", tree.Size(), "stored", len(values))
		rt.tree.Store(ledger.Load(values))
		report.Reloaded = append(report.Reloaded, electionID)
	}

	tally, err := c.stg.Tally(electionID)
	if err != nil {
		return err
	}
	active, err := c.stg.CountBallots(electionID)
	if err != nil {
		return err
	}
	var sum uint64
	for _, n := range tally.Candidates {
		sum += n
	}
	if tally.Total != active || sum != active {
		report.Inconsistent = append(report.Inconsistent, electionID)
		log.Errorw(fmt.Errorf("tally total %d, candidate sum %d, active ballots %d", tally.Total, sum, active),
			"manual reconciliation required, tally diverges from ballots", "electionId", electionID)
	}
	return nil
}

func (c *Coordinator) clearIntent(in *types.CastIntent, report *ReconcileReport) {
	if err := c.stg.DeleteIntent(in.ID); err != nil {
		log.Warnw("could not remove intent", "intentId", in.ID.String(), "error", err.Error())
		return
	}
	report.ClearedIntents++
}
