package storage

import (
	"fmt"

	"github.com/vocdoni/ballot-integrity/types"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

// Ward retrieves a ward.
func (s *Storage) Ward(wardID string) (*types.Ward, error) {
	w := &types.Ward{}
	if err := s.getArtifact(wardPrefix, []byte(wardID), w); err != nil {
		return nil, err
	}
	return w, nil
}

// Voter retrieves a voter roll entry.
func (s *Storage) Voter(voterID string) (*types.Voter, error) {
	v := &types.Voter{}
	if err := s.getArtifact(rollPrefix, []byte(voterID), v); err != nil {
		return nil, err
	}
	return v, nil
}

// ImportRoll stores the given wards and voters in a single transaction,
// replacing the entries with the same identifiers.
func (s *Storage) ImportRoll(wards []types.Ward, voters []types.Voter) error {
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	wardTx := prefixeddb.NewPrefixedWriteTx(wTx, wardPrefix)
	for i := range wards {
		if wards[i].ID == "" {
			return fmt.Errorf("ward %d without identifier", i)
		}
		data, err := encodeArtifact(&wards[i])
		if err != nil {
			return err
		}
		if err := wardTx.Set([]byte(wards[i].ID), data); err != nil {
			return err
		}
	}
	rollTx := prefixeddb.NewPrefixedWriteTx(wTx, rollPrefix)
	for i := range voters {
		if voters[i].ID == "" {
			return fmt.Errorf("voter %d without identifier", i)
		}
		data, err := encodeArtifact(&voters[i])
		if err != nil {
			return err
		}
		if err := rollTx.Set([]byte(voters[i].ID), data); err != nil {
			return err
		}
	}
	return wTx.Commit()
}
