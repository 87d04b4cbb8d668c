package types

import (
	"time"

	"github.com/google/uuid"
)

// ProofSide tells on which side of the running hash a sibling is combined.
type ProofSide string

const (
	SideLeft  ProofSide = "left"
	SideRight ProofSide = "right"
)

// ProofStep is one level of an inclusion proof.
type ProofStep struct {
	Hash     HexBytes  `json:"hash"     cbor:"0,keyasint,omitempty"`
	Position ProofSide `json:"position" cbor:"1,keyasint,omitempty"`
}

// MerkleProof is an inclusion proof together with the root it was derived
// for and the position of the leaf in the ledger.
type MerkleProof struct {
	LeafIndex uint64      `json:"leafIndex" cbor:"0,keyasint"`
	TreeSize  uint64      `json:"treeSize"  cbor:"1,keyasint"`
	Steps     []ProofStep `json:"steps"     cbor:"2,keyasint,omitempty"`
	Root      HexBytes    `json:"root"      cbor:"3,keyasint,omitempty"`
}

// Location is an optional geolocation attached to a ballot.
type Location struct {
	Lat      float64 `json:"lat"                cbor:"0,keyasint"`
	Lng      float64 `json:"lng"                cbor:"1,keyasint"`
	Accuracy float64 `json:"accuracy,omitempty" cbor:"2,keyasint,omitempty"`
}

// SubmissionMetadata is the audit information captured at cast time.
type SubmissionMetadata struct {
	IPAddress     string    `json:"ipAddress"               cbor:"0,keyasint,omitempty"`
	UserAgent     string    `json:"userAgent"               cbor:"1,keyasint,omitempty"`
	Signature     HexBytes  `json:"signature,omitempty"     cbor:"2,keyasint,omitempty"`
	SignerAddress HexBytes  `json:"signerAddress,omitempty" cbor:"3,keyasint,omitempty"`
	Location      *Location `json:"location,omitempty"      cbor:"4,keyasint,omitempty"`
}

// Ballot is the stored record of a cast vote. The encrypted vote and its hash
// are hex encoded in JSON.
type Ballot struct {
	ID            uuid.UUID          `json:"ballotId"      cbor:"0,keyasint"`
	VoterID       string             `json:"voterId"       cbor:"1,keyasint,omitempty"`
	ElectionID    string             `json:"electionId"    cbor:"2,keyasint,omitempty"`
	CandidateID   string             `json:"candidateId"   cbor:"3,keyasint,omitempty"`
	Position      string             `json:"position"      cbor:"4,keyasint,omitempty"`
	BoothID       string             `json:"boothId"       cbor:"5,keyasint,omitempty"`
	EncryptedVote HexBytes           `json:"encryptedVote" cbor:"6,keyasint,omitempty"`
	VoteHash      HexBytes           `json:"voteHash"      cbor:"7,keyasint,omitempty"`
	Proof         *MerkleProof       `json:"merkleProof"   cbor:"8,keyasint,omitempty"`
	Timestamp     time.Time          `json:"timestamp"     cbor:"9,keyasint"`
	Metadata      SubmissionMetadata `json:"metadata"      cbor:"10,keyasint"`
	Verified      bool               `json:"isVerified"    cbor:"11,keyasint,omitempty"`
	Revotes       uint32             `json:"revotes"       cbor:"12,keyasint,omitempty"`
	// Scope is the voter scope at cast time, nil when it could not be
	// derived. It keys the scoped tallies.
	Scope *VoterScope `json:"scope,omitempty" cbor:"13,keyasint,omitempty"`
}

// VotePayload is the plaintext that gets encrypted and hashed. Its JSON
// encoding is the canonical serialization.
type VotePayload struct {
	VoterID     string    `json:"voterId"`
	ElectionID  string    `json:"electionId"`
	CandidateID string    `json:"candidateId"`
	Position    string    `json:"position"`
	BoothID     string    `json:"boothId"`
	Timestamp   string    `json:"timestamp"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
	Location    *Location `json:"location,omitempty"`
}

// Tally is the per-election aggregate. Only the casting path mutates it.
type Tally struct {
	ElectionID string            `json:"electionId" cbor:"0,keyasint,omitempty"`
	Total      uint64            `json:"totalVotes" cbor:"1,keyasint"`
	Candidates map[string]uint64 `json:"candidates" cbor:"2,keyasint,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt"  cbor:"3,keyasint"`
}

// NewTally returns an empty tally for the election.
func NewTally(electionID string) *Tally {
	return &Tally{ElectionID: electionID, Candidates: make(map[string]uint64)}
}

// CandidateResult is one row of the results table.
type CandidateResult struct {
	CandidateID string  `json:"candidateId"`
	Name        string  `json:"name,omitempty"`
	Party       string  `json:"party,omitempty"`
	Position    string  `json:"position,omitempty"`
	VoteCount   uint64  `json:"voteCount"`
	Percentage  float64 `json:"percentage"`
}

// Participation records the elections a voter has cast a ballot in.
type Participation struct {
	VoterID   string    `json:"voterId"   cbor:"0,keyasint,omitempty"`
	HasVoted  bool      `json:"hasVoted"  cbor:"1,keyasint,omitempty"`
	Elections []string  `json:"elections" cbor:"2,keyasint,omitempty"`
	LastVote  time.Time `json:"lastVote"  cbor:"3,keyasint"`
}

// IntentState is the last state a casting workflow reached before its
// intent record was written.
type IntentState string

const (
	IntentPending     IntentState = "pending"
	IntentCompensated IntentState = "compensation_failed"
)

// CastIntent is the write-ahead record of an in-flight casting workflow.
type CastIntent struct {
	ID         uuid.UUID   `json:"id"         cbor:"0,keyasint"`
	ElectionID string      `json:"electionId" cbor:"1,keyasint,omitempty"`
	VoterID    string      `json:"voterId"    cbor:"2,keyasint,omitempty"`
	BallotID   uuid.UUID   `json:"ballotId"   cbor:"3,keyasint"`
	VoteHash   HexBytes    `json:"voteHash"   cbor:"4,keyasint,omitempty"`
	LeafIndex  uint64      `json:"leafIndex"  cbor:"5,keyasint"`
	State      IntentState `json:"state"      cbor:"6,keyasint,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"  cbor:"7,keyasint"`
}
