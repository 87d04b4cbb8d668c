// Package scope resolves the geographic scope of a voter and decides whether
// it matches the scope binding of an election. Membership of a settlement or
// constituency is derived from the ward the voter is assigned to.
package scope

import (
	"context"
	"errors"
	"fmt"

	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/storage"
	"github.com/vocdoni/ballot-integrity/types"
)

// ErrNoScope is returned when the scope of a voter cannot be derived.
var ErrNoScope = errors.New("voter has no assigned scope")

// Directory is the voter roll lookup used to derive scopes.
type Directory interface {
	// VoterWard returns the ward a voter is assigned to.
	VoterWard(ctx context.Context, voterID string) (string, error)
	// Ward returns a ward with its parent subdivisions.
	Ward(ctx context.Context, wardID string) (*types.Ward, error)
}

// Roll is a Directory that can also be loaded from an administrative import.
type Roll interface {
	Directory
	// ImportRoll stores wards and voter assignments, replacing existing
	// entries with the same identifiers.
	ImportRoll(ctx context.Context, wards []types.Ward, voters []types.Voter) error
}

// Resolver derives voter scopes from a Directory.
type Resolver struct {
	dir Directory
}

// NewResolver returns a Resolver backed by dir.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the derived scope of voterID. Any lookup failure is
// reported as ErrNoScope.
func (r *Resolver) Resolve(ctx context.Context, voterID string) (*types.VoterScope, error) {
	wardID, err := r.dir.VoterWard(ctx, voterID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoScope, err)
	}
	if wardID == "" {
		return nil, ErrNoScope
	}
	ward, err := r.dir.Ward(ctx, wardID)
	if err != nil {
		return nil, fmt.Errorf("%w: ward %s: %v", ErrNoScope, wardID, err)
	}
	return &types.VoterScope{
		WardID:         ward.ID,
		SettlementID:   ward.SettlementID,
		ConstituencyID: ward.ConstituencyID,
	}, nil
}

// Matches reports whether a voter scope satisfies an election binding. An
// unbound election matches every voter, and an empty identifier never
// matches.
func Matches(binding types.ScopeBinding, vs *types.VoterScope) bool {
	if !binding.Bound() {
		return true
	}
	if vs == nil || binding.ID == "" {
		return false
	}
	id := vs.ID(binding.Kind)
	return id != "" && id == binding.ID
}

// Eligible resolves the scope of voterID and reports whether it satisfies the
// binding. The returned scope is nil when it cannot be derived, which only
// makes the voter ineligible for bound elections.
func (r *Resolver) Eligible(ctx context.Context, binding types.ScopeBinding, voterID string) (*types.VoterScope, bool) {
	vs, err := r.Resolve(ctx, voterID)
	if err != nil {
		log.Debugw("scope resolution failed", "voterId", voterID, "error", err.Error())
		return nil, !binding.Bound()
	}
	return vs, Matches(binding, vs)
}

// StorageDirectory is a Directory over the roll kept in the local storage.
type StorageDirectory struct {
	stg *storage.Storage
}

// NewStorageDirectory returns a Directory reading the roll from stg.
func NewStorageDirectory(stg *storage.Storage) *StorageDirectory {
	return &StorageDirectory{stg: stg}
}

// VoterWard implements Directory.
func (d *StorageDirectory) VoterWard(_ context.Context, voterID string) (string, error) {
	v, err := d.stg.Voter(voterID)
	if err != nil {
		return "", err
	}
	return v.WardID, nil
}

// ImportRoll implements Roll.
func (d *StorageDirectory) ImportRoll(_ context.Context, wards []types.Ward, voters []types.Voter) error {
	return d.stg.ImportRoll(wards, voters)
}

// Ward implements Directory.
func (d *StorageDirectory) Ward(_ context.Context, wardID string) (*types.Ward, error) {
	return d.stg.Ward(wardID)
}
