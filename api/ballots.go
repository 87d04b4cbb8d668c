package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/vocdoni/ballot-integrity/auth"
	"github.com/vocdoni/ballot-integrity/biometric"
	"github.com/vocdoni/ballot-integrity/coordinator"
	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/util"
)

// castBallot runs the casting workflow for the authenticated voter.
// POST /ballots
func (a *API) castBallot(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	if !p.Can(auth.PermCastBallot) {
		ErrForbidden.Write(w)
		return
	}
	if ok, retry := a.limiter.Allow("cast:" + p.ID); !ok {
		log.Warnw("too many casting attempts", "voterId", p.ID)
		writeTooManyRequests(w, retry)
		return
	}
	req := &CastBallot{}
	if err := decodeBody(r, req); err != nil {
		coordinatorError(err).Write(w)
		return
	}
	sample, err := biometric.DecodeSample(req.BiometricSample)
	if err != nil {
		ErrMalformedSample.WithErr(err).Write(w)
		return
	}
	res, err := a.coord.Cast(r.Context(), p, &coordinator.CastRequest{
		ElectionID:  req.ElectionID,
		CandidateID: req.CandidateID,
		Position:    req.Position,
		BoothID:     req.BoothID,
		Sample:      sample,
		Location:    req.Location,
		IPAddress:   util.ClientIP(r),
		UserAgent:   r.UserAgent(),
		Signature:   req.Signature,
	})
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	httpWriteJSON(w, res)
}

// history lists the ballots of the authenticated voter.
// GET /ballots/history
func (a *API) history(w http.ResponseWriter, r *http.Request) {
	entries, err := a.coord.History(auth.PrincipalFrom(r.Context()))
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	httpWriteJSON(w, &BallotHistory{Ballots: entries})
}

// verifyBallot checks a ballot against the ledger and the ballot state.
// GET /ballots/{ballotId}/verify
func (a *API) verifyBallot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, BallotURLParam))
	if err != nil {
		ErrMalformedBallotID.Write(w)
		return
	}
	v, err := a.coord.Verify(auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	httpWriteJSON(w, v)
}

// enroll stores the biometric template of the authenticated voter.
// POST /voters/me/biometric
func (a *API) enroll(w http.ResponseWriter, r *http.Request) {
	req := &Enrollment{}
	if err := decodeBody(r, req); err != nil {
		coordinatorError(err).Write(w)
		return
	}
	sample, err := biometric.DecodeSample(req.BiometricSample)
	if err != nil {
		ErrMalformedSample.WithErr(err).Write(w)
		return
	}
	p := auth.PrincipalFrom(r.Context())
	tmpl, err := a.coord.Enroll(r.Context(), p, sample)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	httpWriteJSON(w, &EnrollmentResponse{VoterID: p.ID, Mode: tmpl.Mode})
}
