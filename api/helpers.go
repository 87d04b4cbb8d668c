package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/vocdoni/ballot-integrity/coordinator"
	"github.com/vocdoni/ballot-integrity/log"
)

// httpWriteJSON helper function allows to write a JSON response.
func httpWriteJSON(w http.ResponseWriter, data interface{}) {
	jdata, err := json.Marshal(data)
	if err != nil {
		ErrMarshalingServerJSONFailed.WithErr(err).Write(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	n, err := w.Write(jdata)
	if err != nil {
		log.Warnw("failed to write http response", "error", err)
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		log.Warnw("failed to write on response", "error", err)
	}
	log.Debugw("api response", "bytes", n, "data", strings.ReplaceAll(string(jdata), "\"", ""))
}

// httpWriteOK helper function allows to write an OK response.
func httpWriteOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("\n")); err != nil {
		log.Warnw("failed to write on response", "error", err)
	}
}

// decodeBody decodes the JSON request body into v. Unknown fields are
// rejected.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrMalformedBody.With("empty body")
		}
		return ErrMalformedBody.WithErr(err)
	}
	return nil
}

// coordinatorError translates an error of the casting coordinator into the
// API error returned to the client. Internal details never leave the
// server: unknown errors are logged and answered with a generic error.
func coordinatorError(err error) Error {
	var apiErr Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var (
		verr *coordinator.ValidationError
		ierr *coordinator.IneligibleError
		derr *coordinator.DependencyTimeoutError
	)
	switch {
	case errors.As(err, &verr):
		if verr.Field == "biometricSample" {
			return ErrMalformedSample.With(verr.Reason)
		}
		if verr.Field == "signature" {
			return ErrInvalidSignature.With(verr.Reason)
		}
		return ErrValidation.WithErr(verr)
	case errors.As(err, &ierr):
		return ErrIneligible.With(string(ierr.Reason))
	case coordinator.IsBiometricMismatch(err):
		return ErrBiometricMismatch
	case coordinator.IsIntegrity(err):
		// already logged with its detail by the coordinator
		return ErrIntegrity
	case errors.As(err, &derr):
		return ErrServiceUnavailable.With(derr.Dependency)
	case errors.Is(err, coordinator.ErrElectionNotFound):
		return ErrElectionNotFound
	case errors.Is(err, coordinator.ErrBallotNotFound):
		return ErrBallotNotFound
	case errors.Is(err, coordinator.ErrResultsNotAvailable):
		return ErrResultsNotAvailable
	case errors.Is(err, coordinator.ErrForbidden):
		return ErrForbidden
	}
	log.Errorw(err, "unexpected coordinator error")
	return ErrGenericInternalServerError
}
