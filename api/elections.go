package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vocdoni/ballot-integrity/auth"
	"github.com/vocdoni/ballot-integrity/types"
)

// electionID returns the election identifier URL parameter, or an error if
// it is malformed.
func electionID(r *http.Request) (string, error) {
	id := chi.URLParam(r, ElectionURLParam)
	if !types.ValidID(id) {
		return "", ErrMalformedElectionID
	}
	return id, nil
}

// elections lists every election.
// GET /elections
func (a *API) elections(w http.ResponseWriter, r *http.Request) {
	list, err := a.coord.Elections()
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	if list == nil {
		list = []*types.Election{}
	}
	httpWriteJSON(w, &ElectionList{Elections: list})
}

// election returns an election.
// GET /elections/{electionId}
func (a *API) election(w http.ResponseWriter, r *http.Request) {
	id, err := electionID(r)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	e, err := a.coord.Election(id)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	httpWriteJSON(w, e)
}

// count returns the public running total of ballots of an election.
// GET /elections/{electionId}/count
func (a *API) count(w http.ResponseWriter, r *http.Request) {
	id, err := electionID(r)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	c, err := a.coord.Count(id)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	httpWriteJSON(w, c)
}

// results returns the tally of an election. Callers without live access only
// see it once the election is completed.
// GET /elections/{electionId}/results
func (a *API) results(w http.ResponseWriter, r *http.Request) {
	id, err := electionID(r)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	res, err := a.coord.Results(auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	httpWriteJSON(w, res)
}

// breakdown returns the tally of an election per subdivision.
// GET /elections/{electionId}/results/breakdown
func (a *API) breakdown(w http.ResponseWriter, r *http.Request) {
	id, err := electionID(r)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	bd, err := a.coord.Breakdown(auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	httpWriteJSON(w, bd)
}

// audit re-checks every ballot of an election.
// GET /elections/{electionId}/audit
func (a *API) audit(w http.ResponseWriter, r *http.Request) {
	id, err := electionID(r)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	report, err := a.coord.Audit(auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	httpWriteJSON(w, report)
}

// newElection creates an election.
// POST /elections
func (a *API) newElection(w http.ResponseWriter, r *http.Request) {
	e := &types.Election{}
	if err := decodeBody(r, e); err != nil {
		coordinatorError(err).Write(w)
		return
	}
	if err := a.coord.CreateElection(auth.PrincipalFrom(r.Context()), e); err != nil {
		coordinatorError(err).Write(w)
		return
	}
	httpWriteJSON(w, e)
}

// setElectionStatus changes the status of an election.
// POST /elections/{electionId}/status
func (a *API) setElectionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := electionID(r)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	req := &ElectionStatus{}
	if err := decodeBody(r, req); err != nil {
		coordinatorError(err).Write(w)
		return
	}
	e, err := a.coord.SetElectionStatus(auth.PrincipalFrom(r.Context()), id, req.Status)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	httpWriteJSON(w, e)
}

// importRoll loads wards and voter assignments.
// POST /roll
func (a *API) importRoll(w http.ResponseWriter, r *http.Request) {
	req := &Roll{}
	if err := decodeBody(r, req); err != nil {
		coordinatorError(err).Write(w)
		return
	}
	if err := a.coord.ImportRoll(r.Context(), auth.PrincipalFrom(r.Context()), req.Wards, req.Voters); err != nil {
		coordinatorError(err).Write(w)
		return
	}
	httpWriteJSON(w, &RollResponse{Wards: len(req.Wards), Voters: len(req.Voters)})
}
