// Package state keeps, per election, an arbo tree mapping every voter that
// holds an active ballot to the vote hash of that ballot. Its root commits to
// the set of active ballots, which the append-only ledger cannot express once
// re-votes are allowed.
package state

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/vocdoni/arbo"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

const (
	// MaxLevels is the depth of the state tree.
	MaxLevels = 160
	// MaxKeyLen is ceil(MaxLevels/8)
	MaxKeyLen = (MaxLevels + 7) / 8
)

// hashFunc is the hash function used in the state tree.
var hashFunc = arbo.HashFunctionSha256

// ErrNoActiveBallot is returned when a voter has no active ballot in the tree.
var ErrNoActiveBallot = errors.New("no active ballot for voter")

// State represents the active-ballot tree of one election.
type State struct {
	tree       *arbo.Tree
	electionID string
	prefix     []byte
	db         db.Database
}

// Prefix returns the database prefix under which the state of an election is
// stored.
func Prefix(electionID string) []byte {
	return []byte("s/" + electionID + "/")
}

// New creates or opens the State of electionID stored in the passed database.
func New(database db.Database, electionID string) (*State, error) {
	prefix := Prefix(electionID)
	pdb := prefixeddb.NewPrefixedDatabase(database, prefix)
	tree, err := arbo.NewTree(arbo.Config{
		Database:     pdb,
		MaxLevels:    MaxLevels,
		HashFunction: hashFunc,
	})
	if err != nil {
		return nil, fmt.Errorf("open state tree of %s: %w", electionID, err)
	}
	return &State{
		tree:       tree,
		electionID: electionID,
		prefix:     prefix,
		db:         pdb,
	}, nil
}

// VoterKey returns the tree key of a voter.
func (o *State) VoterKey(voterID string) []byte {
	h := sha256.Sum256([]byte(o.electionID + "/" + voterID))
	return h[:MaxKeyLen]
}

// SetWithTx adds or updates the active ballot of voterID using the passed
// write transaction, which must be an unprefixed transaction over the same
// database the State was opened on. Nothing is visible until the caller
// commits it. It returns true when the voter already had an active ballot.
func (o *State) SetWithTx(baseTx db.WriteTx, voterID string, voteHash []byte) (bool, error) {
	wTx := prefixeddb.NewPrefixedWriteTx(baseTx, o.prefix)
	key := o.VoterKey(voterID)
	if _, _, err := o.tree.Get(key); err == nil {
		if err := o.tree.UpdateWithTx(wTx, key, voteHash); err != nil {
			return true, fmt.Errorf("update active ballot: %w", err)
		}
		return true, nil
	} else if !errors.Is(err, arbo.ErrKeyNotFound) {
		return false, err
	}
	if err := o.tree.AddWithTx(wTx, key, voteHash); err != nil {
		return false, fmt.Errorf("add active ballot: %w", err)
	}
	return false, nil
}

// ActiveVoteHash returns the vote hash of the active ballot of voterID.
func (o *State) ActiveVoteHash(voterID string) ([]byte, error) {
	_, v, err := o.tree.Get(o.VoterKey(voterID))
	if errors.Is(err, arbo.ErrKeyNotFound) {
		return nil, ErrNoActiveBallot
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Root returns the current root of the tree.
func (o *State) Root() ([]byte, error) {
	return o.tree.Root()
}
