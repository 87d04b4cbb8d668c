package storage

import (
	"github.com/vocdoni/ballot-integrity/types"
)

// Template retrieves the enrolled biometric template of a voter.
func (s *Storage) Template(voterID string) (*types.BiometricTemplate, error) {
	t := &types.BiometricTemplate{}
	if err := s.getArtifact(templatePrefix, []byte(voterID), t); err != nil {
		return nil, err
	}
	return t, nil
}

// SetTemplateIfAbsent stores the template of a voter unless one is already
// enrolled, in which case it returns ErrAlreadyExists. Concurrent enrollments
// of the same voter store exactly one template.
func (s *Storage) SetTemplateIfAbsent(t *types.BiometricTemplate) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	ok, err := s.exists(templatePrefix, []byte(t.VoterID))
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyExists
	}
	return s.setArtifact(templatePrefix, []byte(t.VoterID), t)
}

// DeleteTemplate removes the template of a voter.
func (s *Storage) DeleteTemplate(voterID string) error {
	return s.deleteArtifact(templatePrefix, []byte(voterID))
}
