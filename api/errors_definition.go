//nolint:lll
package api

import (
	"fmt"
	"net/http"
)

// The custom Error type satisfies the error interface.
// Error() returns a human-readable description of the error.
//
// Error codes in the 40001-49999 range are the user's fault,
// and they return HTTP Status 400, 401, 403, 404 or 429, whatever is most appropriate.
//
// Error codes 50001-59999 are the server's fault
// and they return HTTP Status 500 or 503, or something else if appropriate.
//
// NEVER change any of the current error codes, only append new errors after the current last 4XXX or 5XXX
// If you notice there's a gap (say, error code 4010, 4011 and 4013 exist, 4012 is missing) DON'T fill in the gap,
// that code was used in the past for some error (not anymore) and shouldn't be reused.
// There's no correlation between Code and HTTP Status,
// for example the fact that Code 40007 returns HTTP Status 404 Not Found is just a coincidence
var (
	ErrResourceNotFound      = Error{Code: 40001, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("resource not found")}
	ErrMalformedBody         = Error{Code: 40004, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed JSON body")}
	ErrInvalidSignature      = Error{Code: 40005, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid signature")}
	ErrMalformedElectionID   = Error{Code: 40006, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed election ID")}
	ErrElectionNotFound      = Error{Code: 40007, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("election not found")}
	ErrMalformedBallotID     = Error{Code: 40008, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed ballot ID")}
	ErrBallotNotFound        = Error{Code: 40009, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("ballot not found")}
	ErrValidation            = Error{Code: 40010, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid request")}
	ErrUnauthorized          = Error{Code: 40011, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("missing or invalid credentials")}
	ErrBiometricMismatch     = Error{Code: 40012, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("biometric verification failed")}
	ErrIneligible            = Error{Code: 40013, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("voter not eligible")}
	ErrForbidden             = Error{Code: 40014, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("access denied")}
	ErrResultsNotAvailable   = Error{Code: 40015, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("results not available until the election is completed")}
	ErrTooManyRequests       = Error{Code: 40016, HTTPstatus: http.StatusTooManyRequests, Err: fmt.Errorf("too many requests")}
	ErrMalformedSample       = Error{Code: 40017, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed biometric sample")}
	ErrInvalidStreamTopic    = Error{Code: 40018, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid stream topic")}
	ErrStreamNotAvailable    = Error{Code: 40019, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("live stream not available")}

	ErrMarshalingServerJSONFailed = Error{Code: 50001, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("marshaling (server-side) JSON failed")}
	ErrGenericInternalServerError = Error{Code: 50002, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error")}
	ErrIntegrity                  = Error{Code: 50003, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("integrity check failed")}
	ErrServiceUnavailable         = Error{Code: 50004, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("service temporarily unavailable")}
)
