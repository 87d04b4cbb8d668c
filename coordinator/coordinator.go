// Package coordinator implements the casting workflow and the read paths
// built on top of it: ballot verification, results, vote counts, voter
// history, audit and reconciliation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vocdoni/ballot-integrity/auth"
	"github.com/vocdoni/ballot-integrity/biometric"
	"github.com/vocdoni/ballot-integrity/crypto/ballotcipher"
	"github.com/vocdoni/ballot-integrity/ledger"
	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/publisher"
	"github.com/vocdoni/ballot-integrity/scope"
	"github.com/vocdoni/ballot-integrity/state"
	"github.com/vocdoni/ballot-integrity/storage"
	"github.com/vocdoni/ballot-integrity/types"
)

// Config holds the casting policy.
type Config struct {
	// MasterSecret derives the symmetric key of every election.
	MasterSecret []byte
	// AllowRevote turns a second cast of a voter into an update of the
	// active ballot instead of a rejection.
	AllowRevote bool
	// RevoteReason is logged when AllowRevote is set.
	RevoteReason string
	// RequireLocation rejects casts without geolocation.
	RequireLocation bool
}

// Coordinator runs casting workflows. It is safe for concurrent use.
type Coordinator struct {
	cfg   Config
	stg   *storage.Storage
	roll  scope.Roll
	scope *scope.Resolver
	gate  *biometric.Gate
	pub   *publisher.Publisher

	castLocks *keyedMutex

	runtimesMu sync.Mutex
	runtimes   map[string]*electionRuntime

	now func() time.Time
	// commitHooks run inside the cast transaction after the state update.
	commitHooks []storage.TxHook
}

// electionRuntime is the in-memory runtime of an election: its ledger, its active
// ballot state and its cipher. mu serializes ledger appends and commits.
type electionRuntime struct {
	id     string
	mu     sync.Mutex
	tree   atomic.Pointer[ledger.Tree]
	state  *state.State
	cipher *ballotcipher.Cipher
}

// New returns a Coordinator. The publisher may be nil, in which case tally
// updates are not broadcast.
func New(cfg Config, stg *storage.Storage, roll scope.Roll, gate *biometric.Gate,
	pub *publisher.Publisher,
) (*Coordinator, error) {
	if stg == nil || roll == nil || gate == nil {
		return nil, fmt.Errorf("storage, roll and biometric gate are required")
	}
	if len(cfg.MasterSecret) == 0 {
		return nil, fmt.Errorf("missing master secret")
	}
	if cfg.AllowRevote {
		log.Warnw("re-voting is enabled, a second cast replaces the active ballot",
			"reason", cfg.RevoteReason)
	}
	return &Coordinator{
		cfg:       cfg,
		stg:       stg,
		roll:      roll,
		scope:     scope.NewResolver(roll),
		gate:      gate,
		pub:       pub,
		castLocks: newKeyedMutex(),
		runtimes:  make(map[string]*electionRuntime),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// runtime returns the runtime of an election, loading its ledger from
// storage on first use.
func (c *Coordinator) runtime(electionID string) (*electionRuntime, error) {
	c.runtimesMu.Lock()
	defer c.runtimesMu.Unlock()
	if rt, ok := c.runtimes[electionID]; ok {
		return rt, nil
	}
	leaves, err := c.stg.LedgerLeaves(electionID)
	if err != nil {
		return nil, fmt.Errorf("load ledger of %s: %w", electionID, err)
	}
	st, err := state.New(c.stg.DB(), electionID)
	if err != nil {
		return nil, fmt.Errorf("open state of %s: %w", electionID, err)
	}
	key, err := ballotcipher.DeriveElectionKey(c.cfg.MasterSecret, electionID)
	if err != nil {
		return nil, err
	}
	cipher, err := ballotcipher.New(key)
	if err != nil {
		return nil, err
	}
	rt := &electionRuntime{id: electionID, state: st, cipher: cipher}
	rt.tree.Store(ledger.Load(leaves))
	c.runtimes[electionID] = rt
	log.Debugw("election runtime loaded", "electionId", electionID, "leaves", len(leaves))
	return rt, nil
}

// election returns the stored election, mapping a missing one to
// ErrElectionNotFound.
func (c *Coordinator) election(electionID string) (*types.Election, error) {
	e, err := c.stg.Election(electionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrElectionNotFound
	}
	return e, err
}

// Election returns an election by identifier.
func (c *Coordinator) Election(electionID string) (*types.Election, error) {
	if !types.ValidID(electionID) {
		return nil, validation("electionId", "invalid identifier")
	}
	return c.election(electionID)
}

// Elections returns every stored election.
func (c *Coordinator) Elections() ([]*types.Election, error) {
	return c.stg.Elections()
}

// CreateElection validates and stores a new election.
func (c *Coordinator) CreateElection(p *auth.Principal, e *types.Election) error {
	if !p.Can(auth.PermManageElections) {
		return ErrForbidden
	}
	if err := validateElection(e); err != nil {
		return err
	}
	if err := c.stg.CreateElection(e); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return validation("electionId", "election already exists")
		}
		return err
	}
	log.Infow("election created", "electionId", e.ID, "status", string(e.Status),
		"scope", string(e.Scope.Kind), "candidates", len(e.Candidates), "by", p.ID)
	return nil
}

// SetElectionStatus changes the lifecycle status of an election.
func (c *Coordinator) SetElectionStatus(p *auth.Principal, electionID string,
	status types.ElectionStatus,
) (*types.Election, error) {
	if !p.Can(auth.PermManageElections) {
		return nil, ErrForbidden
	}
	if !status.Valid() {
		return nil, validation("status", "unknown election status")
	}
	e, err := c.stg.SetElectionStatus(electionID, status)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrElectionNotFound
	}
	if err != nil {
		return nil, err
	}
	log.Infow("election status changed", "electionId", electionID, "status", string(status), "by", p.ID)
	return e, nil
}

// ImportRoll loads wards and voter assignments into the roll directory.
func (c *Coordinator) ImportRoll(ctx context.Context, p *auth.Principal, wards []types.Ward,
	voters []types.Voter,
) error {
	if !p.Can(auth.PermManageElections) {
		return ErrForbidden
	}
	for _, w := range wards {
		if !types.ValidID(w.ID) {
			return validation("wards", fmt.Sprintf("invalid ward identifier %q", w.ID))
		}
		for _, id := range []string{w.SettlementID, w.ConstituencyID} {
			if id != "" && !types.ValidID(id) {
				return validation("wards", fmt.Sprintf("invalid identifier %q in ward %s", id, w.ID))
			}
		}
	}
	for _, v := range voters {
		if !types.ValidID(v.ID) || !types.ValidID(v.WardID) {
			return validation("voters", fmt.Sprintf("invalid voter entry %q", v.ID))
		}
	}
	if err := c.roll.ImportRoll(ctx, wards, voters); err != nil {
		return fmt.Errorf("import roll: %w", err)
	}
	log.Infow("roll imported", "wards", len(wards), "voters", len(voters), "by", p.ID)
	return nil
}

// Enroll stores the biometric template of the caller. The caller's token
// must carry a verified second factor.
func (c *Coordinator) Enroll(ctx context.Context, p *auth.Principal, sample []byte) (*types.BiometricTemplate, error) {
	if !p.Can(auth.PermEnroll) || !p.SecondFactor {
		return nil, ErrForbidden
	}
	if len(sample) == 0 {
		return nil, validation("biometricSample", "missing sample")
	}
	tmpl, err := c.gate.Enroll(ctx, p.ID, sample)
	switch {
	case errors.Is(err, biometric.ErrAlreadyEnrolled):
		return nil, &IneligibleError{Reason: ReasonAlreadyEnrolled}
	case err != nil:
		return nil, biometricError(err)
	}
	log.Infow("biometric template enrolled", "voterId", p.ID, "mode", string(tmpl.Mode))
	return tmpl, nil
}

func validateElection(e *types.Election) error {
	if e == nil {
		return validation("", "missing election")
	}
	if !types.ValidID(e.ID) {
		return validation("electionId", "invalid identifier")
	}
	if e.Title == "" {
		return validation("title", "missing title")
	}
	if e.Status == "" {
		e.Status = types.ElectionDraft
	}
	if !e.Status.Valid() {
		return validation("status", "unknown election status")
	}
	if e.StartDate.IsZero() || e.EndDate.IsZero() || !e.EndDate.After(e.StartDate) {
		return validation("endDate", "end date must follow start date")
	}
	if !e.Scope.Kind.Valid() {
		return validation("scope", "unknown scope kind")
	}
	if e.Scope.Bound() && !types.ValidID(e.Scope.ID) {
		return validation("scope", "bound scope needs an identifier")
	}
	if len(e.Candidates) == 0 {
		return validation("candidates", "at least one candidate is required")
	}
	seen := make(map[string]bool, len(e.Candidates))
	for _, cand := range e.Candidates {
		if !types.ValidID(cand.ID) {
			return validation("candidates", fmt.Sprintf("invalid candidate identifier %q", cand.ID))
		}
		if seen[cand.ID] {
			return validation("candidates", fmt.Sprintf("duplicated candidate %s", cand.ID))
		}
		seen[cand.ID] = true
		if len(e.Positions) > 0 && !e.HasPosition(cand.Position) {
			return validation("candidates", fmt.Sprintf("candidate %s runs for an unknown position", cand.ID))
		}
	}
	return nil
}
