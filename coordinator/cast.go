package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vocdoni/ballot-integrity/auth"
	"github.com/vocdoni/ballot-integrity/biometric"
	"github.com/vocdoni/ballot-integrity/crypto/ethereum"
	"github.com/vocdoni/ballot-integrity/ledger"
	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/publisher"
	"github.com/vocdoni/ballot-integrity/storage"
	"github.com/vocdoni/ballot-integrity/types"
	"go.vocdoni.io/dvote/db"
)

// CastRequest is a ballot submission. The voter is the authenticated
// principal.
type CastRequest struct {
	ElectionID  string
	CandidateID string
	Position    string
	BoothID     string
	// Sample is the decoded biometric capture.
	Sample    []byte
	Location  *types.Location
	IPAddress string
	UserAgent string
	// Signature is an optional secp256k1 signature of CastMessage.
	Signature []byte
}

// CastResult is returned to the voter once the ballot is committed.
type CastResult struct {
	BallotID   uuid.UUID          `json:"ballotId"`
	ElectionID string             `json:"electionId"`
	Timestamp  time.Time          `json:"timestamp"`
	Proof      *types.MerkleProof `json:"merkleProof"`
	IsRevote   bool               `json:"isRevote"`
	StateRoot  types.HexBytes     `json:"stateRoot"`
}

// CastMessage returns the message a client signs to attach a signature to a
// cast.
func CastMessage(electionID, candidateID, position, boothID string) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s/%s", electionID, candidateID, position, boothID))
}

// Cast runs the casting workflow for the principal. The returned errors
// belong to the taxonomy of this package; internal details are only logged.
func (c *Coordinator) Cast(ctx context.Context, p *auth.Principal, req *CastRequest) (*CastResult, error) {
	if !p.Can(auth.PermCastBallot) {
		return nil, ErrForbidden
	}
	if req == nil {
		return nil, validation("", "empty request")
	}
	f := newFlow(p.ID, req.ElectionID)
	res, err := c.cast(ctx, f, p, req)
	if err != nil {
		f.reject(err)
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) cast(ctx context.Context, f *flow, p *auth.Principal, req *CastRequest) (*CastResult, error) {
	e, meta, err := c.validate(p, req)
	if err != nil {
		return nil, err
	}

	unlock := c.castLocks.Lock(req.ElectionID + "/" + p.ID)
	defer unlock()

	voterScope, eligible := c.scope.Eligible(ctx, e.Scope, p.ID)
	if !eligible {
		return nil, &IneligibleError{Reason: ReasonScope}
	}
	f.advance(StateScopeChecked)

	ok, err := c.gate.Verify(ctx, p.ID, req.Sample, p.SecondFactor)
	if err != nil {
		return nil, biometricError(err)
	}
	if !ok {
		return nil, &BiometricMismatchError{}
	}
	f.advance(StateBiometricVerified)

	previous, err := c.stg.ActiveBallot(req.ElectionID, p.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		previous = nil
	case err != nil:
		return nil, fmt.Errorf("read active ballot: %w", err)
	case !c.cfg.AllowRevote:
		return nil, &IneligibleError{Reason: ReasonAlreadyVoted}
	}

	booth, created, err := c.stg.EnsureBooth(req.ElectionID, req.BoothID)
	if err != nil {
		return nil, fmt.Errorf("register booth: %w", err)
	}
	if created {
		log.Infow("booth registered", "electionId", req.ElectionID, "boothId", req.BoothID)
	}
	if !booth.Active {
		return nil, validation("boothId", "casting location is not active")
	}

	rt, err := c.runtime(req.ElectionID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	sealed, voteHash, err := rt.cipher.EncryptPayload(&types.VotePayload{
		VoterID:     p.ID,
		ElectionID:  req.ElectionID,
		CandidateID: req.CandidateID,
		Position:    req.Position,
		BoothID:     req.BoothID,
		Timestamp:   now.Format(time.RFC3339Nano),
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
		Location:    req.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("encrypt ballot: %w", err)
	}
	f.advance(StateEncrypted)

	ballot := &types.Ballot{
		ID:            uuid.New(),
		VoterID:       p.ID,
		ElectionID:    req.ElectionID,
		CandidateID:   req.CandidateID,
		Position:      req.Position,
		BoothID:       req.BoothID,
		EncryptedVote: sealed,
		VoteHash:      voteHash,
		Timestamp:     now,
		Metadata:      *meta,
		Verified:      true,
		Scope:         voterScope,
	}
	if previous != nil {
		ballot.ID = previous.ID
		ballot.Revotes = previous.Revotes + 1
	}

	if err := c.commit(ctx, f, rt, e, ballot, previous); err != nil {
		return nil, err
	}
	f.advance(StatePublished)
	stateRoot, err := rt.state.Root()
	if err != nil {
		log.Warnw("could not read state root", "electionId", e.ID, "error", err.Error())
	}

	if previous != nil {
		log.Infow("ballot replaced", "electionId", e.ID, "ballotId", ballot.ID.String(),
			"voterId", p.ID, "revotes", ballot.Revotes)
	} else {
		log.Infow("ballot cast", "electionId", e.ID, "ballotId", ballot.ID.String(), "voterId", p.ID)
	}
	return &CastResult{
		BallotID:   ballot.ID,
		ElectionID: e.ID,
		Timestamp:  now,
		Proof:      ballot.Proof,
		IsRevote:   previous != nil,
		StateRoot:  stateRoot,
	}, nil
}

// validate checks the request against the election before any lock is
// taken. It returns the election and the submission metadata.
func (c *Coordinator) validate(p *auth.Principal, req *CastRequest) (*types.Election, *types.SubmissionMetadata, error) {
	for _, field := range []struct{ name, value string }{
		{"electionId", req.ElectionID},
		{"candidateId", req.CandidateID},
		{"boothId", req.BoothID},
	} {
		if field.value == "" {
			return nil, nil, validation(field.name, "missing field")
		}
		if !types.ValidID(field.value) {
			return nil, nil, validation(field.name, "invalid identifier")
		}
	}
	if req.Position == "" {
		return nil, nil, validation("position", "missing field")
	}
	if len(req.Sample) == 0 {
		return nil, nil, validation("biometricSample", "missing field")
	}
	if req.Location != nil {
		if req.Location.Lat < -90 || req.Location.Lat > 90 ||
			req.Location.Lng < -180 || req.Location.Lng > 180 {
			return nil, nil, validation("location", "coordinates out of range")
		}
	} else if c.cfg.RequireLocation {
		return nil, nil, validation("location", "location is required")
	}

	e, err := c.election(req.ElectionID)
	if err != nil {
		return nil, nil, err
	}
	if !e.IsOpen(c.now()) {
		return nil, nil, validation("electionId", "election is not open")
	}
	cand := e.Candidate(req.CandidateID)
	if cand == nil || !cand.Active {
		return nil, nil, validation("candidateId", "candidate not available in this election")
	}
	if !e.HasPosition(req.Position) || (cand.Position != "" && cand.Position != req.Position) {
		return nil, nil, validation("position", "position does not match the candidate")
	}

	meta := &types.SubmissionMetadata{
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Location:  req.Location,
	}
	if len(req.Signature) > 0 {
		msg := CastMessage(req.ElectionID, req.CandidateID, req.Position, req.BoothID)
		addr, err := ethereum.AddrFromSignature(msg, req.Signature)
		if err != nil {
			return nil, nil, validation("signature", err.Error())
		}
		meta.Signature = req.Signature
		meta.SignerAddress = addr.Bytes()
	}
	return e, meta, nil
}

// commit appends the ballot to the ledger, stores everything in one
// transaction and publishes the new tally. A failed commit removes the
// appended leaf again. Publishing happens under the election lock so that
// subscribers receive the tallies of an election in commit order.
func (c *Coordinator) commit(ctx context.Context, f *flow, rt *electionRuntime, e *types.Election,
	ballot, previous *types.Ballot,
) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	tree := rt.tree.Load()

	intent := &types.CastIntent{
		ID:         uuid.New(),
		ElectionID: ballot.ElectionID,
		VoterID:    ballot.VoterID,
		BallotID:   ballot.ID,
		VoteHash:   ballot.VoteHash,
		LeafIndex:  tree.Size(),
		State:      types.IntentPending,
		CreatedAt:  ballot.Timestamp,
	}
	if err := c.stg.SetIntent(intent); err != nil {
		return fmt.Errorf("write casting intent: %w", err)
	}
	// last point where the caller may abort the workflow
	if err := ctx.Err(); err != nil {
		if derr := c.stg.DeleteIntent(intent.ID); derr != nil {
			log.Warnw("casting intent left for reconciliation", "intentId", intent.ID.String(),
				"error", derr.Error())
		}
		return err
	}

	idx := tree.Append(ballot.VoteHash)
	f.advance(StateLedgerAppended)
	proof, err := tree.ProofAt(idx)
	if err != nil {
		c.compensate(rt, tree, idx, intent, err)
		return fmt.Errorf("ledger proof: %w", err)
	}
	ballot.Proof = proof

	hooks := append([]storage.TxHook{func(wTx db.WriteTx) error {
		_, err := rt.state.SetWithTx(wTx, ballot.VoterID, ballot.VoteHash)
		return err
	}}, c.commitHooks...)
	tally, err := c.stg.CommitCast(&storage.CastCommit{
		Ballot:    ballot,
		Previous:  previous,
		Leaf:      ballot.VoteHash,
		LeafIndex: idx,
		IntentID:  intent.ID,
	}, hooks...)
	if err != nil {
		c.compensate(rt, tree, idx, intent, err)
		if errors.Is(err, storage.ErrAlreadyExists) || errors.Is(err, storage.ErrStaleBallot) {
			return &IneligibleError{Reason: ReasonAlreadyVoted}
		}
		return fmt.Errorf("commit ballot: %w", err)
	}
	f.advance(StateTallyUpdated)
	c.publish(e, ballot, previous != nil, tally, idx+1)
	return nil
}

// compensate removes the leaf appended by a failed commit. When the leaf
// cannot be removed the intent is kept, flagged, for manual reconciliation
// and the ledger is rebuilt from the committed leaves.
func (c *Coordinator) compensate(rt *electionRuntime, tree *ledger.Tree, idx uint64,
	intent *types.CastIntent, cause error,
) {
	if err := tree.Truncate(idx); err != nil {
		log.Errorw(err, "manual reconciliation required, ledger leaf could not be removed",
			"electionId", intent.ElectionID,
			"ballotId", intent.BallotID.String(),
			"voterId", intent.VoterID,
			"leafIndex", idx,
			"cause", cause.Error())
		if err := c.stg.MarkIntent(intent.ID, types.IntentCompensated); err != nil {
			log.Errorw(err, "could not flag casting intent", "intentId", intent.ID.String())
		}
		leaves, err := c.stg.LedgerLeaves(intent.ElectionID)
		if err != nil {
			log.Errorw(err, "could not rebuild ledger", "electionId", intent.ElectionID)
			return
		}
		rt.tree.Store(ledger.Load(leaves))
		return
	}
	if err := c.stg.DeleteIntent(intent.ID); err != nil {
		log.Warnw("casting intent left for reconciliation", "intentId", intent.ID.String(),
			"error", err.Error())
	}
	log.Warnw("ballot commit rolled back",
		"electionId", intent.ElectionID,
		"ballotId", intent.BallotID.String(),
		"leafIndex", idx,
		"cause", cause.Error())
}

// publish announces a committed cast. Scope topics follow the binding of the
// election, not the scope of the voter. seq is the ledger size after the cast.
func (c *Coordinator) publish(e *types.Election, b *types.Ballot, revote bool, tally *types.Tally, seq uint64) {
	if c.pub == nil {
		return
	}
	c.pub.Publish(&publisher.Update{
		ElectionID:  e.ID,
		BoothID:     b.BoothID,
		CandidateID: b.CandidateID,
		IsRevote:    revote,
		Results:     candidateResults(e, tally),
		TotalVotes:  tally.Total,
		Scope:       e.Scope,
		Sequence:    seq,
		Timestamp:   b.Timestamp,
	})
}

// biometricError translates verifier errors into the error taxonomy.
func biometricError(err error) error {
	switch {
	case errors.Is(err, biometric.ErrMalformedSample):
		return validation("biometricSample", "unreadable sample")
	case errors.Is(err, biometric.ErrServiceUnavailable):
		return &DependencyTimeoutError{Dependency: "biometric service", Err: err}
	case errors.Is(err, biometric.ErrNotEnrolled):
		return &BiometricMismatchError{Err: err}
	}
	return fmt.Errorf("biometric verification: %w", err)
}
