package storage

import (
	"errors"
	"fmt"

	"github.com/vocdoni/ballot-integrity/types"
)

// Election retrieves an election from the storage. It returns ErrNotFound if
// the election does not exist.
func (s *Storage) Election(electionID string) (*types.Election, error) {
	e := &types.Election{}
	if err := s.getArtifact(electionPrefix, []byte(electionID), e); err != nil {
		return nil, err
	}
	return e, nil
}

// SetElection stores or replaces an election.
func (s *Storage) SetElection(e *types.Election) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("election without identifier")
	}
	return s.setArtifact(electionPrefix, []byte(e.ID), e)
}

// CreateElection stores a new election. It returns ErrAlreadyExists if an
// election with the same identifier is already stored.
func (s *Storage) CreateElection(e *types.Election) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	ok, err := s.exists(electionPrefix, []byte(e.ID))
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyExists
	}
	return s.SetElection(e)
}

// SetElectionStatus updates the status of an election.
func (s *Storage) SetElectionStatus(electionID string, status types.ElectionStatus) (*types.Election, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid election status %q", status)
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	e, err := s.Election(electionID)
	if err != nil {
		return nil, err
	}
	e.Status = status
	if err := s.SetElection(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Elections returns every stored election.
func (s *Storage) Elections() ([]*types.Election, error) {
	var list []*types.Election
	err := s.iterate(electionPrefix, nil, func(_, v []byte) error {
		e := &types.Election{}
		if err := decodeArtifact(v, e); err != nil {
			return err
		}
		list = append(list, e)
		return nil
	})
	return list, err
}

// Booth retrieves a polling booth of an election.
func (s *Storage) Booth(electionID, boothID string) (*types.Booth, error) {
	b := &types.Booth{}
	if err := s.getArtifact(boothPrefix, compositeKey(electionID, boothID), b); err != nil {
		return nil, err
	}
	return b, nil
}

// SetBooth stores or replaces a polling booth.
func (s *Storage) SetBooth(b *types.Booth) error {
	return s.setArtifact(boothPrefix, compositeKey(b.ElectionID, b.ID), b)
}

// EnsureBooth returns the booth of an election, registering it as active if
// it does not exist yet.
func (s *Storage) EnsureBooth(electionID, boothID string) (*types.Booth, bool, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	b, err := s.Booth(electionID, boothID)
	if err == nil {
		return b, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	b = &types.Booth{
		ID:         boothID,
		ElectionID: electionID,
		Name:       boothID,
		Active:     true,
	}
	if err := s.SetBooth(b); err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Tally returns the stored tally of an election, or an empty one if no ballot
// has been committed yet.
func (s *Storage) Tally(electionID string) (*types.Tally, error) {
	t := types.NewTally(electionID)
	if err := s.getArtifact(tallyPrefix, []byte(electionID), t); err != nil {
		if errors.Is(err, ErrNotFound) {
			return types.NewTally(electionID), nil
		}
		return nil, err
	}
	if t.Candidates == nil {
		t.Candidates = make(map[string]uint64)
	}
	return t, nil
}

// ScopedTally returns the per-subdivision tally of an election, or an empty
// one if no ballot with a known scope has been committed yet.
func (s *Storage) ScopedTally(electionID string) (*types.ScopedTally, error) {
	t := types.NewScopedTally(electionID)
	if err := s.getArtifact(scopedTallyPrefix, []byte(electionID), t); err != nil {
		if errors.Is(err, ErrNotFound) {
			return types.NewScopedTally(electionID), nil
		}
		return nil, err
	}
	if t.Counts == nil {
		t.Counts = make(map[types.ScopeKind]map[string]map[string]uint64)
	}
	return t, nil
}
