package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/ballot-integrity/biometric"
	"github.com/vocdoni/ballot-integrity/coordinator"
)

func TestErrorWrite(t *testing.T) {
	c := qt.New(t)
	rec := httptest.NewRecorder()
	ErrBallotNotFound.With("abc").Write(rec)

	c.Assert(rec.Code, qt.Equals, http.StatusNotFound)
	c.Assert(rec.Header().Get("Content-Type"), qt.Equals, "application/json")
	var body struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &body), qt.IsNil)
	c.Assert(body.Error, qt.Equals, "ballot not found: abc")
	c.Assert(body.Code, qt.Equals, 40009)
	c.Assert(errors.Is(ErrBallotNotFound.With("abc"), ErrBallotNotFound), qt.IsTrue)
	c.Assert(errors.Is(ErrBallotNotFound, ErrElectionNotFound), qt.IsFalse)
}

func TestCoordinatorErrorMapping(t *testing.T) {
	c := qt.New(t)
	tests := []struct {
		err  error
		want Error
	}{
		{&coordinator.ValidationError{Field: "candidateId", Reason: "missing field"}, ErrValidation},
		{&coordinator.ValidationError{Field: "biometricSample", Reason: "unreadable sample"}, ErrMalformedSample},
		{&coordinator.ValidationError{Field: "signature", Reason: "bad"}, ErrInvalidSignature},
		{&coordinator.IneligibleError{Reason: coordinator.ReasonScope}, ErrIneligible},
		{&coordinator.BiometricMismatchError{}, ErrBiometricMismatch},
		{&coordinator.IntegrityError{Err: errors.New("leaf 3 differs")}, ErrIntegrity},
		{&coordinator.DependencyTimeoutError{Dependency: "biometric service", Err: biometric.ErrServiceUnavailable},
			ErrServiceUnavailable},
		{fmt.Errorf("wrapped: %w", coordinator.ErrElectionNotFound), ErrElectionNotFound},
		{coordinator.ErrBallotNotFound, ErrBallotNotFound},
		{coordinator.ErrResultsNotAvailable, ErrResultsNotAvailable},
		{coordinator.ErrForbidden, ErrForbidden},
		{ErrMalformedBody.With("eof"), ErrMalformedBody},
		{errors.New("pebble: closed"), ErrGenericInternalServerError},
	}
	for _, tc := range tests {
		got := coordinatorError(tc.err)
		c.Assert(got.Code, qt.Equals, tc.want.Code, qt.Commentf("%v", tc.err))
		c.Assert(got.HTTPstatus, qt.Equals, tc.want.HTTPstatus)
	}

	// internal detail never reaches the client
	c.Assert(coordinatorError(&coordinator.IntegrityError{Err: errors.New("leaf 3 differs")}).Error(),
		qt.Not(qt.Contains), "leaf")
	c.Assert(coordinatorError(errors.New("pebble: closed")).Error(), qt.Not(qt.Contains), "pebble")
}
