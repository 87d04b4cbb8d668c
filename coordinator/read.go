package coordinator

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/vocdoni/ballot-integrity/auth"
	"github.com/vocdoni/ballot-integrity/ledger"
	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/storage"
	"github.com/vocdoni/ballot-integrity/types"
)

// Verification is the outcome of a ballot verification.
type Verification struct {
	BallotID   uuid.UUID `json:"ballotId"`
	ElectionID string    `json:"electionId"`
	Timestamp  time.Time `json:"timestamp"`
	// Verified is true when the proof validates against the current root.
	Verified bool `json:"isVerified"`
	// Active is true when the ballot is the voter's active ballot in the
	// state tree.
	Active bool `json:"isActive"`
	// Proof is re-derived from the current ledger. Receipt is the proof
	// returned at cast time.
	Proof      *types.MerkleProof `json:"merkleProof"`
	Receipt    *types.MerkleProof `json:"receipt,omitempty"`
	LedgerRoot types.HexBytes     `json:"ledgerRoot"`
	StateRoot  types.HexBytes     `json:"stateRoot,omitempty"`
	Revotes    uint32             `json:"revotes"`
}

// Verify checks a ballot against the current ledger of its election. The
// caller must own the ballot or be allowed to read any ballot.
func (c *Coordinator) Verify(p *auth.Principal, ballotID uuid.UUID) (*Verification, error) {
	if !p.Can(auth.PermReadOwnBallot) && !p.Can(auth.PermReadAnyBallot) {
		return nil, ErrForbidden
	}
	b, err := c.stg.Ballot(ballotID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrBallotNotFound
	}
	if err != nil {
		return nil, err
	}
	if b.VoterID != p.ID && !p.Can(auth.PermReadAnyBallot) {
		return nil, ErrForbidden
	}
	rt, err := c.runtime(b.ElectionID)
	if err != nil {
		return nil, err
	}
	fail := func(reason string) error {
		err := &IntegrityError{Err: errors.New(reason)}
		log.Errorw(err, "ballot verification failed",
			"electionId", b.ElectionID, "ballotId", b.ID.String(), "voterId", b.VoterID)
		return err
	}
	if b.Proof == nil {
		return nil, fail("ballot has no ledger receipt")
	}
	if !ledger.Verify(b.VoteHash, b.Proof.Steps, b.Proof.Root) {
		return nil, fail("stored receipt does not match its root")
	}
	tree := rt.tree.Load()
	leaf, err := tree.Leaf(b.Proof.LeafIndex)
	if err != nil {
		return nil, fail(fmt.Sprintf("ledger has no leaf %d", b.Proof.LeafIndex))
	}
	if !bytes.Equal(leaf, ledger.LeafHash(b.VoteHash)) {
		return nil, fail(fmt.Sprintf("ledger leaf %d does not match the ballot", b.Proof.LeafIndex))
	}
	proof, err := tree.ProofAt(b.Proof.LeafIndex)
	if err != nil {
		return nil, fail(err.Error())
	}
	v := &Verification{
		BallotID:   b.ID,
		ElectionID: b.ElectionID,
		Timestamp:  b.Timestamp,
		Verified:   ledger.Verify(b.VoteHash, proof.Steps, proof.Root),
		Proof:      proof,
		Receipt:    b.Proof,
		LedgerRoot: proof.Root,
		Revotes:    b.Revotes,
	}
	if !v.Verified {
		return nil, fail("ledger proof does not validate")
	}
	sp, err := rt.state.Proof(b.VoterID)
	if err != nil {
		log.Warnw("could not build state proof", "electionId", b.ElectionID, "error", err.Error())
		return v, nil
	}
	v.StateRoot = sp.Root
	if ok, err := sp.Check(); err == nil && ok {
		v.Active = bytes.Equal(sp.Value, b.VoteHash)
	}
	return v, nil
}

// Results is the per-candidate tally of an election.
type Results struct {
	ElectionID  string                  `json:"electionId"`
	Title       string                  `json:"title"`
	Status      types.ElectionStatus    `json:"status"`
	TotalVoters uint64                  `json:"totalVoters,omitempty"`
	TotalVotes  uint64                  `json:"totalVotes"`
	Results     []types.CandidateResult `json:"results"`
	LedgerRoot  types.HexBytes          `json:"ledgerRoot,omitempty"`
	LedgerSize  uint64                  `json:"ledgerSize"`
	StateRoot   types.HexBytes          `json:"stateRoot,omitempty"`
	UpdatedAt   time.Time               `json:"updatedAt"`
}

// Results returns the tally of an election. Callers without live access
// only get it once the election is completed.
func (c *Coordinator) Results(p *auth.Principal, electionID string) (*Results, error) {
	e, err := c.election(electionID)
	if err != nil {
		return nil, err
	}
	if e.Status != types.ElectionCompleted && !p.Can(auth.PermReadLiveResults) {
		return nil, ErrResultsNotAvailable
	}
	tally, err := c.stg.Tally(electionID)
	if err != nil {
		return nil, err
	}
	rt, err := c.runtime(electionID)
	if err != nil {
		return nil, err
	}
	tree := rt.tree.Load()
	res := &Results{
		ElectionID:  e.ID,
		Title:       e.Title,
		Status:      e.Status,
		TotalVoters: e.TotalVoters,
		TotalVotes:  tally.Total,
		Results:     candidateResults(e, tally),
		LedgerRoot:  tree.Root(),
		LedgerSize:  tree.Size(),
		UpdatedAt:   tally.UpdatedAt,
	}
	if root, err := rt.state.Root(); err == nil {
		res.StateRoot = root
	}
	return res, nil
}

// ScopeCount is the number of active ballots a candidate received from one
// subdivision.
type ScopeCount struct {
	ScopeID     string `json:"scopeId"`
	CandidateID string `json:"candidateId"`
	Count       uint64 `json:"count"`
}

// Breakdown is the per-subdivision tally of an election.
type Breakdown struct {
	ElectionID     string               `json:"electionId"`
	Title          string               `json:"title"`
	Status         types.ElectionStatus `json:"status"`
	ByWard         []ScopeCount         `json:"byWard"`
	BySettlement   []ScopeCount         `json:"bySettlement"`
	ByConstituency []ScopeCount         `json:"byConstituency"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// Breakdown returns the tally of an election grouped by ward, settlement and
// constituency of the voters. Ballots of voters without a derivable scope are
// only counted in Results. It is gated like Results.
func (c *Coordinator) Breakdown(p *auth.Principal, electionID string) (*Breakdown, error) {
	e, err := c.election(electionID)
	if err != nil {
		return nil, err
	}
	if e.Status != types.ElectionCompleted && !p.Can(auth.PermReadLiveResults) {
		return nil, ErrResultsNotAvailable
	}
	scoped, err := c.stg.ScopedTally(electionID)
	if err != nil {
		return nil, err
	}
	return &Breakdown{
		ElectionID:     e.ID,
		Title:          e.Title,
		Status:         e.Status,
		ByWard:         scopeCounts(scoped.Counts[types.ScopeWard]),
		BySettlement:   scopeCounts(scoped.Counts[types.ScopeSettlement]),
		ByConstituency: scopeCounts(scoped.Counts[types.ScopeConstituency]),
		UpdatedAt:      scoped.UpdatedAt,
	}, nil
}

func scopeCounts(byID map[string]map[string]uint64) []ScopeCount {
	out := []ScopeCount{}
	for scopeID, candidates := range byID {
		for candidateID, n := range candidates {
			if n == 0 {
				continue
			}
			out = append(out, ScopeCount{ScopeID: scopeID, CandidateID: candidateID, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScopeID != out[j].ScopeID {
			return out[i].ScopeID < out[j].ScopeID
		}
		return out[i].CandidateID < out[j].CandidateID
	})
	return out
}

// Count is the public running total of an election.
type Count struct {
	ElectionID string    `json:"electionId"`
	TotalVotes uint64    `json:"totalVotes"`
	Timestamp  time.Time `json:"timestamp"`
}

// Count returns the number of active ballots of an election.
func (c *Coordinator) Count(electionID string) (*Count, error) {
	if _, err := c.election(electionID); err != nil {
		return nil, err
	}
	tally, err := c.stg.Tally(electionID)
	if err != nil {
		return nil, err
	}
	return &Count{ElectionID: electionID, TotalVotes: tally.Total, Timestamp: c.now()}, nil
}

// HistoryEntry is one ballot of the voter history.
type HistoryEntry struct {
	BallotID    uuid.UUID `json:"ballotId"`
	ElectionID  string    `json:"electionId"`
	CandidateID string    `json:"candidateId"`
	Position    string    `json:"position"`
	BoothID     string    `json:"boothId"`
	Timestamp   time.Time `json:"timestamp"`
	Verified    bool      `json:"isVerified"`
	Revotes     uint32    `json:"revotes"`
}

// History lists the ballots of the caller, newest first.
func (c *Coordinator) History(p *auth.Principal) ([]HistoryEntry, error) {
	if !p.Can(auth.PermReadOwnBallot) {
		return nil, ErrForbidden
	}
	ballots, err := c.stg.VoterHistory(p.ID)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(ballots))
	for _, b := range ballots {
		out = append(out, HistoryEntry{
			BallotID:    b.ID,
			ElectionID:  b.ElectionID,
			CandidateID: b.CandidateID,
			Position:    b.Position,
			BoothID:     b.BoothID,
			Timestamp:   b.Timestamp,
			Verified:    b.Verified,
			Revotes:     b.Revotes,
		})
	}
	return out, nil
}

// candidateResults lists every candidate of the election with its count and
// its share of the total, rounded to two decimals. Candidates are ordered by
// count, then by identifier.
func candidateResults(e *types.Election, tally *types.Tally) []types.CandidateResult {
	out := make([]types.CandidateResult, 0, len(e.Candidates))
	for _, cand := range e.Candidates {
		n := tally.Candidates[cand.ID]
		pct := 0.0
		if tally.Total > 0 {
			pct = math.Round(float64(n)*10000/float64(tally.Total)) / 100
		}
		out = append(out, types.CandidateResult{
			CandidateID: cand.ID,
			Name:        cand.Name,
			Party:       cand.Party,
			Position:    cand.Position,
			VoteCount:   n,
			Percentage:  pct,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].VoteCount != out[j].VoteCount {
			return out[i].VoteCount > out[j].VoteCount
		}
		return out[i].CandidateID < out[j].CandidateID
	})
	return out
}
