package coordinator

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/vocdoni/ballot-integrity/auth"
	"github.com/vocdoni/ballot-integrity/ledger"
	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/storage"
	"github.com/vocdoni/ballot-integrity/types"
)

// AuditEntry is the audit record of one ballot.
type AuditEntry struct {
	BallotID    uuid.UUID `json:"ballotId"`
	VoterID     string    `json:"voterId"`
	CandidateID string    `json:"candidateId"`
	Position    string    `json:"position"`
	BoothID     string    `json:"boothId"`
	Timestamp   time.Time `json:"timestamp"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
	LeafIndex   uint64    `json:"leafIndex"`
	Revotes     uint32    `json:"revotes"`
	Verified    bool      `json:"isVerified"`
	Problem     string    `json:"problem,omitempty"`
}

// AuditReport is the result of re-checking every ballot of an election.
type AuditReport struct {
	ElectionID string         `json:"electionId"`
	LedgerRoot types.HexBytes `json:"ledgerRoot,omitempty"`
	LedgerSize uint64         `json:"ledgerSize"`
	// LedgerConsistent is false when the stored leaves do not rebuild the
	// root held in memory.
	LedgerConsistent bool `json:"ledgerConsistent"`
	// TallyConsistent is false when the stored tally differs from a recount
	// of the active ballots.
	TallyConsistent  bool         `json:"tallyConsistent"`
	Ballots          int          `json:"ballots"`
	Failures         int          `json:"failures"`
	SupersededLeaves uint64       `json:"supersededLeaves"`
	Entries          []AuditEntry `json:"entries"`
	GeneratedAt      time.Time    `json:"generatedAt"`
}

// Audit decrypts every active ballot of an election, recomputes its hash and
// compares it with the stored hash, its ledger leaf and the active ballot
// state. Mismatches are
// reported and logged as integrity failures.
func (c *Coordinator) Audit(p *auth.Principal, electionID string) (*AuditReport, error) {
	if !p.Can(auth.PermAudit) {
		return nil, ErrForbidden
	}
	e, err := c.election(electionID)
	if err != nil {
		return nil, err
	}
	rt, err := c.runtime(electionID)
	if err != nil {
		return nil, err
	}
	records, err := c.stg.LedgerRecords(electionID)
	if err != nil {
		return nil, err
	}
	tree := rt.tree.Load()
	report := &AuditReport{
		ElectionID:  electionID,
		LedgerRoot:  tree.Root(),
		LedgerSize:  tree.Size(),
		Entries:     []AuditEntry{},
		GeneratedAt: c.now(),
	}
	values := make([][]byte, len(records))
	for i, r := range records {
		values[i] = r.Value
	}
	report.LedgerConsistent = uint64(len(records)) == report.LedgerSize &&
		bytes.Equal(ledger.BuildRoot(values), report.LedgerRoot)
	if !report.LedgerConsistent {
		log.Errorw(fmt.Errorf("stored ledger diverges from memory"), "ledger audit failed",
			"electionId", electionID, "stored", len(records), "memory", report.LedgerSize)
	}

	recount := make(map[string]uint64)
	seen := make(map[uuid.UUID]bool)
	for i, rec := range records {
		if seen[rec.BallotID] {
			continue
		}
		seen[rec.BallotID] = true
		b, err := c.stg.Ballot(rec.BallotID)
		if err != nil {
			return nil, fmt.Errorf("ballot %s of leaf %d: %w", rec.BallotID, i, err)
		}
		entry := c.auditBallot(rt, b, records)
		if entry.Verified {
			recount[b.CandidateID]++
		} else {
			report.Failures++
			log.Errorw(fmt.Errorf("%s", entry.Problem), "ballot audit failed",
				"electionId", electionID, "ballotId", b.ID.String(), "voterId", b.VoterID)
		}
		report.Entries = append(report.Entries, entry)
	}
	report.Ballots = len(report.Entries)
	report.SupersededLeaves = uint64(len(records) - len(report.Entries))
	sort.Slice(report.Entries, func(i, j int) bool {
		return report.Entries[i].LeafIndex < report.Entries[j].LeafIndex
	})

	tally, err := c.stg.Tally(electionID)
	if err != nil {
		return nil, err
	}
	report.TallyConsistent = tally.Total == uint64(report.Ballots)
	for _, cand := range e.Candidates {
		if tally.Candidates[cand.ID] != recount[cand.ID] {
			report.TallyConsistent = false
		}
	}
	if !report.TallyConsistent {
		log.Errorw(fmt.Errorf("tally differs from recount"), "tally audit failed",
			"electionId", electionID, "total", tally.Total, "ballots", report.Ballots)
	}
	log.Infow("election audited", "electionId", electionID, "ballots", report.Ballots,
		"failures", report.Failures, "by", p.ID)
	return report, nil
}

func (c *Coordinator) auditBallot(rt *electionRuntime, b *types.Ballot, records []*storage.LeafRecord) AuditEntry {
	entry := AuditEntry{
		BallotID:    b.ID,
		VoterID:     b.VoterID,
		CandidateID: b.CandidateID,
		Position:    b.Position,
		BoothID:     b.BoothID,
		Timestamp:   b.Timestamp,
		IPAddress:   b.Metadata.IPAddress,
		UserAgent:   b.Metadata.UserAgent,
		Revotes:     b.Revotes,
	}
	if b.Proof == nil {
		entry.Problem = "missing ledger receipt"
		return entry
	}
	entry.LeafIndex = b.Proof.LeafIndex
	if err := rt.cipher.Audit(b.EncryptedVote, b.VoteHash); err != nil {
		entry.Problem = "ciphertext does not match the vote hash"
		return entry
	}
	var payload types.VotePayload
	if err := rt.cipher.DecryptPayload(b.EncryptedVote, &payload); err != nil {
		entry.Problem = "ciphertext cannot be decoded"
		return entry
	}
	if payload.VoterID != b.VoterID || payload.ElectionID != b.ElectionID ||
		payload.CandidateID != b.CandidateID || payload.Position != b.Position {
		entry.Problem = "ballot record differs from its sealed payload"
		return entry
	}
	if b.Proof.LeafIndex >= uint64(len(records)) ||
		records[b.Proof.LeafIndex].BallotID != b.ID ||
		!bytes.Equal(records[b.Proof.LeafIndex].Value, b.VoteHash) {
		entry.Problem = "ledger leaf does not match the vote hash"
		return entry
	}
	if active, err := rt.state.ActiveVoteHash(b.VoterID); err != nil || !bytes.Equal(active, b.VoteHash) {
		entry.Problem = "active ballot state does not hold the vote hash"
		return entry
	}
	entry.Verified = true
	return entry
}
