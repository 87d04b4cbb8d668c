package coordinator

import (
	"time"

	"github.com/vocdoni/ballot-integrity/log"
)

// State is a step of the casting workflow.
type State int

const (
	StateReceived State = iota
	StateScopeChecked
	StateBiometricVerified
	StateEncrypted
	StateLedgerAppended
	StateTallyUpdated
	StatePublished
	StateRejected
)

var stateNames = [...]string{
	StateReceived:          "received",
	StateScopeChecked:      "scope_checked",
	StateBiometricVerified: "biometric_verified",
	StateEncrypted:         "encrypted",
	StateLedgerAppended:    "ledger_appended",
	StateTallyUpdated:      "tally_updated",
	StatePublished:         "published",
	StateRejected:          "rejected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// flow tracks one casting workflow through its states. Transitions only move
// forward, one state at a time, and end in Published or Rejected.
type flow struct {
	voterID    string
	electionID string
	state      State
	started    time.Time
}

func newFlow(voterID, electionID string) *flow {
	return &flow{voterID: voterID, electionID: electionID, state: StateReceived, started: time.Now()}
}

func (f *flow) advance(next State) {
	if f.state == StateRejected || f.state == StatePublished || next != f.state+1 {
		log.Errorw(nil, "invalid casting transition",
			"from", f.state.String(), "to", next.String(), "electionId", f.electionID)
		return
	}
	f.state = next
	log.Debugw("casting state", "state", next.String(), "electionId", f.electionID, "voterId", f.voterID)
}

// reject ends the workflow. The internal error is only logged server side.
func (f *flow) reject(err error) {
	from := f.state
	f.state = StateRejected
	log.Infow("ballot rejected",
		"electionId", f.electionID,
		"voterId", f.voterID,
		"at", from.String(),
		"reason", err.Error(),
		"elapsed", time.Since(f.started).String())
}
