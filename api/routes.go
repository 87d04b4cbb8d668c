package api

const (
	// PingEndpoint is the endpoint for checking the API status
	PingEndpoint = "/ping"

	// ElectionsEndpoint lists elections (GET) and creates one (POST, admin)
	ElectionsEndpoint = "/elections"
	// ElectionURLParam is the election identifier URL parameter
	ElectionURLParam = "electionId"
	// ElectionEndpoint returns an election
	ElectionEndpoint = "/elections/{" + ElectionURLParam + "}"
	// ElectionStatusEndpoint changes the status of an election (admin)
	ElectionStatusEndpoint = ElectionEndpoint + "/status"
	// ElectionResultsEndpoint returns the tally, gated until the election is
	// completed for non admin callers
	ElectionResultsEndpoint = ElectionEndpoint + "/results"
	// ElectionBreakdownEndpoint returns the tally split by ward, settlement
	// and constituency, gated like the results
	ElectionBreakdownEndpoint = ElectionResultsEndpoint + "/breakdown"
	// ElectionCountEndpoint returns the public running total of ballots
	ElectionCountEndpoint = ElectionEndpoint + "/count"
	// ElectionAuditEndpoint returns the audit trail of an election (admin)
	ElectionAuditEndpoint = ElectionEndpoint + "/audit"

	// BallotsEndpoint is the endpoint for casting a ballot
	BallotsEndpoint = "/ballots"
	// BallotHistoryEndpoint lists the ballots of the caller
	BallotHistoryEndpoint = "/ballots/history"
	// BallotURLParam is the ballot identifier URL parameter
	BallotURLParam = "ballotId"
	// BallotVerifyEndpoint verifies a ballot against the ledger
	BallotVerifyEndpoint = "/ballots/{" + BallotURLParam + "}/verify"

	// RollEndpoint imports wards and voter assignments (admin)
	RollEndpoint = "/roll"
	// EnrollEndpoint enrolls the biometric template of the caller
	EnrollEndpoint = "/voters/me/biometric"

	// StreamEndpoint upgrades to a websocket carrying live tally events.
	// Topics are given as repeated StreamTopicParam query values.
	StreamEndpoint   = "/stream"
	StreamTopicParam = "topic"
	// TokenParam carries the bearer token where headers cannot be set
	TokenParam = "token"
)
