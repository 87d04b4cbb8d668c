package storage

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/vocdoni/ballot-integrity/types"
)

// SetIntent durably records an in-flight casting workflow. It must be called
// before the ledger is touched.
func (s *Storage) SetIntent(intent *types.CastIntent) error {
	if intent.ID == uuid.Nil {
		return fmt.Errorf("intent without identifier")
	}
	return s.setArtifact(intentPrefix, intent.ID[:], intent)
}

// Intent retrieves an intent record.
func (s *Storage) Intent(id uuid.UUID) (*types.CastIntent, error) {
	intent := &types.CastIntent{}
	if err := s.getArtifact(intentPrefix, id[:], intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// DeleteIntent removes an intent record. It returns ErrNotFound if there is
// no such record.
func (s *Storage) DeleteIntent(id uuid.UUID) error {
	return s.deleteArtifact(intentPrefix, id[:])
}

// MarkIntent updates the state of an existing intent record.
func (s *Storage) MarkIntent(id uuid.UUID, state types.IntentState) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	intent, err := s.Intent(id)
	if err != nil {
		return err
	}
	intent.State = state
	return s.SetIntent(intent)
}

// Intents returns every intent record left in the database.
func (s *Storage) Intents() ([]*types.CastIntent, error) {
	var list []*types.CastIntent
	err := s.iterate(intentPrefix, nil, func(_, v []byte) error {
		intent := &types.CastIntent{}
		if err := decodeArtifact(v, intent); err != nil {
			return err
		}
		list = append(list, intent)
		return nil
	})
	return list, err
}
