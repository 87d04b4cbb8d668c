package api

import (
	"github.com/vocdoni/ballot-integrity/coordinator"
	"github.com/vocdoni/ballot-integrity/types"
)

// CastBallot is the body of a ballot submission. The biometric sample is a
// base64 string, optionally in data URL form. The signature, when present,
// is a secp256k1 signature of the message returned by
// coordinator.CastMessage.
type CastBallot struct {
	ElectionID      string          `json:"electionId"`
	CandidateID     string          `json:"candidateId"`
	Position        string          `json:"position"`
	BoothID         string          `json:"boothId"`
	BiometricSample string          `json:"biometricSample"`
	Location        *types.Location `json:"location,omitempty"`
	Signature       types.HexBytes  `json:"signature,omitempty"`
}

// Enrollment is the body of a biometric enrollment request.
type Enrollment struct {
	BiometricSample string `json:"biometricSample"`
}

// EnrollmentResponse acknowledges a stored template without returning it.
type EnrollmentResponse struct {
	VoterID string             `json:"voterId"`
	Mode    types.TemplateMode `json:"mode"`
}

// ElectionStatus is the body of an election status change.
type ElectionStatus struct {
	Status types.ElectionStatus `json:"status"`
}

// Roll is the body of a roll import.
type Roll struct {
	Wards  []types.Ward  `json:"wards"`
	Voters []types.Voter `json:"voters"`
}

// RollResponse acknowledges a roll import.
type RollResponse struct {
	Wards  int `json:"wards"`
	Voters int `json:"voters"`
}

// ElectionList is the response of the election listing.
type ElectionList struct {
	Elections []*types.Election `json:"elections"`
}

// BallotHistory is the response of the ballot history of a voter.
type BallotHistory struct {
	Ballots []coordinator.HistoryEntry `json:"ballots"`
}
