package state

import (
	"fmt"

	"github.com/vocdoni/arbo"
)

// ArboProof stores an inclusion proof of the state tree in arbo native types.
type ArboProof struct {
	// Key+Value hashed through Siblings path, should produce Root hash
	Root      []byte
	Siblings  []byte
	Key       []byte
	Value     []byte
	Existence bool
}

// Proof generates the proof of the active ballot of voterID against the
// current root.
func (o *State) Proof(voterID string) (*ArboProof, error) {
	root, err := o.tree.Root()
	if err != nil {
		return nil, err
	}
	k, v, siblings, existence, err := o.tree.GenProof(o.VoterKey(voterID))
	if err != nil {
		return nil, fmt.Errorf("generate state proof: %w", err)
	}
	return &ArboProof{
		Root:      root,
		Siblings:  siblings,
		Key:       k,
		Value:     v,
		Existence: existence,
	}, nil
}

// Check verifies that the proof links Key and Value to Root.
func (p *ArboProof) Check() (bool, error) {
	if !p.Existence {
		return false, nil
	}
	return arbo.CheckProof(hashFunc, p.Key, p.Value, p.Root, p.Siblings)
}
