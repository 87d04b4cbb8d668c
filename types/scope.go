package types

import "time"

// ScopeKind is the geographic subdivision an election can be bound to.
type ScopeKind string

const (
	ScopeNone         ScopeKind = ""
	ScopeWard         ScopeKind = "ward"
	ScopeSettlement   ScopeKind = "settlement"
	ScopeConstituency ScopeKind = "constituency"
)

// Valid reports whether k is a known scope kind, ScopeNone included.
func (k ScopeKind) Valid() bool {
	switch k {
	case ScopeNone, ScopeWard, ScopeSettlement, ScopeConstituency:
		return true
	}
	return false
}

// ScopeBinding restricts an election to the voters of exactly one
// subdivision. The zero value means the election is not bound.
type ScopeBinding struct {
	Kind ScopeKind `json:"kind,omitempty" cbor:"0,keyasint,omitempty"`
	ID   string    `json:"id,omitempty"   cbor:"1,keyasint,omitempty"`
}

// Bound reports whether the binding restricts eligibility.
func (s ScopeBinding) Bound() bool {
	return s.Kind != ScopeNone
}

// Ward is the smallest subdivision. Settlement and constituency membership of
// a voter is derived from the ward the voter is assigned to.
type Ward struct {
	ID             string `json:"wardId"         cbor:"0,keyasint,omitempty"`
	Name           string `json:"name,omitempty" cbor:"1,keyasint,omitempty"`
	SettlementID   string `json:"settlementId"   cbor:"2,keyasint,omitempty"`
	ConstituencyID string `json:"constituencyId" cbor:"3,keyasint,omitempty"`
}

// VoterScope is the derived membership of a voter.
type VoterScope struct {
	WardID         string `json:"wardId"                   cbor:"0,keyasint,omitempty"`
	SettlementID   string `json:"settlementId,omitempty"   cbor:"1,keyasint,omitempty"`
	ConstituencyID string `json:"constituencyId,omitempty" cbor:"2,keyasint,omitempty"`
}

// ID returns the identifier of the subdivision of the given kind.
func (v *VoterScope) ID(kind ScopeKind) string {
	switch kind {
	case ScopeWard:
		return v.WardID
	case ScopeSettlement:
		return v.SettlementID
	case ScopeConstituency:
		return v.ConstituencyID
	}
	return ""
}

// Voter is the roll entry used by the internal directory.
type Voter struct {
	ID     string `json:"voterId" cbor:"0,keyasint,omitempty"`
	WardID string `json:"wardId"  cbor:"1,keyasint,omitempty"`
}

// ScopeKinds lists the bound scope kinds, smallest subdivision first.
var ScopeKinds = []ScopeKind{ScopeWard, ScopeSettlement, ScopeConstituency}

// ScopedTally holds the per-candidate counts of the active ballots of an
// election grouped by the subdivisions they were cast from. It is updated in
// the same transaction as the election Tally.
type ScopedTally struct {
	ElectionID string `cbor:"0,keyasint,omitempty"`
	// Counts maps scope kind, then scope identifier, then candidate to the
	// number of active ballots.
	Counts    map[ScopeKind]map[string]map[string]uint64 `cbor:"1,keyasint,omitempty"`
	UpdatedAt time.Time                                  `cbor:"2,keyasint"`
}

// NewScopedTally returns an empty scoped tally for the election.
func NewScopedTally(electionID string) *ScopedTally {
	return &ScopedTally{ElectionID: electionID, Counts: make(map[ScopeKind]map[string]map[string]uint64)}
}

// Add records one ballot for candidateID in every subdivision of vs.
func (t *ScopedTally) Add(vs *VoterScope, candidateID string) {
	if vs == nil {
		return
	}
	for _, kind := range ScopeKinds {
		id := vs.ID(kind)
		if id == "" {
			continue
		}
		if t.Counts[kind] == nil {
			t.Counts[kind] = make(map[string]map[string]uint64)
		}
		if t.Counts[kind][id] == nil {
			t.Counts[kind][id] = make(map[string]uint64)
		}
		t.Counts[kind][id][candidateID]++
	}
}

// Remove withdraws one ballot for candidateID from every subdivision of vs.
// Counts never go below zero and empty entries are dropped.
func (t *ScopedTally) Remove(vs *VoterScope, candidateID string) {
	if vs == nil {
		return
	}
	for _, kind := range ScopeKinds {
		byID := t.Counts[kind]
		id := vs.ID(kind)
		if byID == nil || byID[id] == nil {
			continue
		}
		switch n := byID[id][candidateID]; {
		case n > 1:
			byID[id][candidateID] = n - 1
		case n == 1:
			delete(byID[id], candidateID)
		}
		if len(byID[id]) == 0 {
			delete(byID, id)
		}
	}
}
