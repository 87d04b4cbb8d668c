package storage

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/vocdoni/ballot-integrity/types"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

// ErrStaleBallot is returned by CommitCast when the active ballot of the voter
// is not the one the caller expected to replace.
var ErrStaleBallot = errors.New("active ballot changed concurrently")

// TxHook writes additional artifacts into the transaction of a cast.
type TxHook func(wTx db.WriteTx) error

// CastCommit holds everything a successful cast makes visible.
type CastCommit struct {
	// Ballot is the new ballot. Its ledger position is LeafIndex.
	Ballot *types.Ballot
	// Previous is the active ballot as it was read before a re-vote, nil for
	// a first cast. A re-vote usually keeps the ballot identifier.
	Previous *types.Ballot
	// Leaf is the value appended to the ledger at LeafIndex.
	Leaf      []byte
	LeafIndex uint64
	// IntentID is the intent record removed by the commit.
	IntentID uuid.UUID
}

// LeafRecord is the stored form of a ledger leaf.
type LeafRecord struct {
	Value    []byte    `cbor:"0,keyasint"`
	BallotID uuid.UUID `cbor:"1,keyasint"`
}

// CommitCast atomically stores the ledger leaf, the ballot, the voter indexes,
// the updated tally, scoped tally and participation, and removes the intent
// record. The
// hooks run inside the same transaction. It returns the updated tally.
//
// It returns ErrAlreadyExists if the ledger position is taken or if the voter
// already holds an active ballot and cc.Previous is nil, and ErrStaleBallot if
// cc.Previous is not the active ballot anymore.
func (s *Storage) CommitCast(cc *CastCommit, hooks ...TxHook) (*types.Tally, error) {
	if cc == nil || cc.Ballot == nil {
		return nil, fmt.Errorf("nothing to commit")
	}
	b := cc.Ballot
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	leafKey := indexKey(b.ElectionID, cc.LeafIndex)
	if ok, err := s.exists(leafPrefix, leafKey); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: ledger position %d", ErrAlreadyExists, cc.LeafIndex)
	}
	activeKey := compositeKey(b.ElectionID, b.VoterID)
	current, err := s.activeBallotID(activeKey)
	switch {
	case errors.Is(err, ErrNotFound):
		if cc.Previous != nil {
			return nil, ErrStaleBallot
		}
	case err != nil:
		return nil, err
	case cc.Previous == nil:
		return nil, fmt.Errorf("%w: active ballot for voter %s", ErrAlreadyExists, b.VoterID)
	case current != cc.Previous.ID:
		return nil, ErrStaleBallot
	default:
		// re-votes update the ballot record in place, so compare the content
		active, err := s.Ballot(current)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(active.VoteHash, cc.Previous.VoteHash) {
			return nil, ErrStaleBallot
		}
	}

	tally, err := s.Tally(b.ElectionID)
	if err != nil {
		return nil, err
	}
	if cc.Previous == nil {
		tally.Total++
	} else if n := tally.Candidates[cc.Previous.CandidateID]; n > 0 {
		tally.Candidates[cc.Previous.CandidateID] = n - 1
	}
	tally.Candidates[b.CandidateID]++
	tally.UpdatedAt = b.Timestamp

	scoped, err := s.ScopedTally(b.ElectionID)
	if err != nil {
		return nil, err
	}
	if cc.Previous != nil {
		scoped.Remove(cc.Previous.Scope, cc.Previous.CandidateID)
	}
	scoped.Add(b.Scope, b.CandidateID)
	scoped.UpdatedAt = b.Timestamp

	participation, err := s.Participation(b.VoterID)
	if err != nil {
		return nil, err
	}
	participation.HasVoted = true
	participation.LastVote = b.Timestamp
	if !slices.Contains(participation.Elections, b.ElectionID) {
		participation.Elections = append(participation.Elections, b.ElectionID)
	}

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	writes := []struct {
		prefix, key []byte
		artifact    any
	}{
		{leafPrefix, leafKey, &LeafRecord{Value: cc.Leaf, BallotID: b.ID}},
		{ballotPrefix, b.ID[:], b},
		{tallyPrefix, []byte(b.ElectionID), tally},
		{scopedTallyPrefix, []byte(b.ElectionID), scoped},
		{participationPrefix, []byte(b.VoterID), participation},
	}
	for _, w := range writes {
		data, err := encodeArtifact(w.artifact)
		if err != nil {
			return nil, err
		}
		if err := prefixeddb.NewPrefixedWriteTx(wTx, w.prefix).Set(w.key, data); err != nil {
			return nil, fmt.Errorf("set artifact: %w", err)
		}
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, voterBallotPrefix).Set(activeKey, b.ID[:]); err != nil {
		return nil, err
	}
	historyKey := compositeKey(b.VoterID, b.ElectionID)
	if err := prefixeddb.NewPrefixedWriteTx(wTx, voterHistoryPrefix).Set(historyKey, b.ID[:]); err != nil {
		return nil, err
	}
	if cc.IntentID != uuid.Nil {
		if err := prefixeddb.NewPrefixedWriteTx(wTx, intentPrefix).Delete(cc.IntentID[:]); err != nil {
			return nil, fmt.Errorf("delete intent: %w", err)
		}
	}
	for _, hook := range hooks {
		if err := hook(wTx); err != nil {
			return nil, fmt.Errorf("cast hook: %w", err)
		}
	}
	if err := wTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cast: %w", err)
	}
	return tally, nil
}

func (s *Storage) activeBallotID(key []byte) (uuid.UUID, error) {
	rd := prefixeddb.NewPrefixedReader(s.db, voterBallotPrefix)
	v, err := rd.Get(key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, err
	}
	return uuid.FromBytes(v)
}

// Ballot retrieves a ballot by its identifier.
func (s *Storage) Ballot(id uuid.UUID) (*types.Ballot, error) {
	b := &types.Ballot{}
	if err := s.getArtifact(ballotPrefix, id[:], b); err != nil {
		return nil, err
	}
	return b, nil
}

// ActiveBallot returns the ballot currently counted for a voter in an
// election, or ErrNotFound.
func (s *Storage) ActiveBallot(electionID, voterID string) (*types.Ballot, error) {
	id, err := s.activeBallotID(compositeKey(electionID, voterID))
	if err != nil {
		return nil, err
	}
	return s.Ballot(id)
}

// VoterHistory returns the active ballot of the voter in every election the
// voter took part in, newest first.
func (s *Storage) VoterHistory(voterID string) ([]*types.Ballot, error) {
	var ids []uuid.UUID
	if err := s.iterate(voterHistoryPrefix, compositeKey(voterID, ""), func(_, v []byte) error {
		id, err := uuid.FromBytes(v)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	}); err != nil {
		return nil, err
	}
	ballots := make([]*types.Ballot, 0, len(ids))
	for _, id := range ids {
		b, err := s.Ballot(id)
		if err != nil {
			return nil, fmt.Errorf("ballot %s: %w", id, err)
		}
		ballots = append(ballots, b)
	}
	slices.SortFunc(ballots, func(a, b *types.Ballot) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return ballots, nil
}

// CountBallots returns the number of voters holding an active ballot in the
// election.
func (s *Storage) CountBallots(electionID string) (uint64, error) {
	var n uint64
	err := s.iterate(voterBallotPrefix, compositeKey(electionID, ""), func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// Participation returns the participation record of a voter. Voters that
// never cast a ballot get an empty record.
func (s *Storage) Participation(voterID string) (*types.Participation, error) {
	p := &types.Participation{}
	if err := s.getArtifact(participationPrefix, []byte(voterID), p); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &types.Participation{VoterID: voterID}, nil
		}
		return nil, err
	}
	return p, nil
}

// LedgerLeaves returns the ordered leaf values of the ledger of an election.
func (s *Storage) LedgerLeaves(electionID string) ([][]byte, error) {
	records, err := s.LedgerRecords(electionID)
	if err != nil {
		return nil, err
	}
	values := make([][]byte, len(records))
	for i, r := range records {
		values[i] = r.Value
	}
	return values, nil
}

// LedgerRecords returns the ordered leaf records of the ledger of an
// election. The ledger must be gap free.
func (s *Storage) LedgerRecords(electionID string) ([]*LeafRecord, error) {
	type indexed struct {
		index uint64
		rec   *LeafRecord
	}
	var list []indexed
	if err := s.iterate(leafPrefix, compositeKey(electionID, ""), func(k, v []byte) error {
		// backends differ on how much of the iterated prefix they strip, the
		// position is always the trailing 8 bytes
		if len(k) < 8 {
			return fmt.Errorf("malformed ledger key %x", k)
		}
		rec := &LeafRecord{}
		if err := decodeArtifact(v, rec); err != nil {
			return err
		}
		list = append(list, indexed{index: binary.BigEndian.Uint64(k[len(k)-8:]), rec: rec})
		return nil
	}); err != nil {
		return nil, err
	}
	// not every backend iterates in key order
	slices.SortFunc(list, func(a, b indexed) int { return cmp.Compare(a.index, b.index) })
	out := make([]*LeafRecord, len(list))
	for i, e := range list {
		if e.index != uint64(i) {
			return nil, fmt.Errorf("ledger of %s has a gap at position %d", electionID, i)
		}
		out[i] = e.rec
	}
	return out, nil
}
