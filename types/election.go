package types

import (
	"encoding/json"
	"time"
)

// ElectionStatus is the lifecycle status of an election.
type ElectionStatus string

const (
	ElectionDraft     ElectionStatus = "draft"
	ElectionUpcoming  ElectionStatus = "upcoming"
	ElectionActive    ElectionStatus = "active"
	ElectionCompleted ElectionStatus = "completed"
	ElectionCancelled ElectionStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s ElectionStatus) Valid() bool {
	switch s {
	case ElectionDraft, ElectionUpcoming, ElectionActive, ElectionCompleted, ElectionCancelled:
		return true
	}
	return false
}

type Candidate struct {
	ID       string `json:"candidateId" cbor:"0,keyasint,omitempty"`
	Name     string `json:"name"        cbor:"1,keyasint,omitempty"`
	Party    string `json:"party"       cbor:"2,keyasint,omitempty"`
	Position string `json:"position"    cbor:"3,keyasint,omitempty"`
	Active   bool   `json:"isActive"    cbor:"4,keyasint,omitempty"`
}

type Election struct {
	ID          string         `json:"electionId"            cbor:"0,keyasint,omitempty"`
	Title       string         `json:"title"                 cbor:"1,keyasint,omitempty"`
	Status      ElectionStatus `json:"status"                cbor:"2,keyasint,omitempty"`
	StartDate   time.Time      `json:"startDate"             cbor:"3,keyasint,omitempty"`
	EndDate     time.Time      `json:"endDate"               cbor:"4,keyasint,omitempty"`
	Positions   []string       `json:"positions,omitempty"   cbor:"5,keyasint,omitempty"`
	Candidates  []Candidate    `json:"candidates,omitempty"  cbor:"6,keyasint,omitempty"`
	Scope       ScopeBinding   `json:"scope"                 cbor:"7,keyasint,omitempty"`
	TotalVoters uint64         `json:"totalVoters,omitempty" cbor:"8,keyasint,omitempty"`
}

func (e *Election) String() string {
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(data)
}

// IsOpen reports whether the election accepts ballots at the given time.
func (e *Election) IsOpen(now time.Time) bool {
	if e.Status != ElectionActive {
		return false
	}
	return !now.Before(e.StartDate) && !now.After(e.EndDate)
}

// Candidate returns the candidate with the given identifier, or nil.
func (e *Election) Candidate(id string) *Candidate {
	for i := range e.Candidates {
		if e.Candidates[i].ID == id {
			return &e.Candidates[i]
		}
	}
	return nil
}

// HasPosition reports whether the position label is accepted. Elections
// without an explicit list accept any non-empty label.
func (e *Election) HasPosition(position string) bool {
	if position == "" {
		return false
	}
	if len(e.Positions) == 0 {
		return true
	}
	for _, p := range e.Positions {
		if p == position {
			return true
		}
	}
	return false
}

// Booth is a casting location registered for an election.
type Booth struct {
	ID         string `json:"boothId"    cbor:"0,keyasint,omitempty"`
	ElectionID string `json:"electionId" cbor:"1,keyasint,omitempty"`
	Name       string `json:"name"       cbor:"2,keyasint,omitempty"`
	Active     bool   `json:"isActive"   cbor:"3,keyasint,omitempty"`
}
