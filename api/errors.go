package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vocdoni/ballot-integrity/log"
)

// Error is used by handler functions to wrap errors, assigning a unique error code
// and also specifying which HTTP Status should be used.
type Error struct {
	Err        error
	Code       int
	HTTPstatus int
}

// errorBody is the wire form of an Error. HTTPstatus travels in the status
// line only.
type errorBody struct {
	Err  string `json:"error"`
	Code int    `json:"code"`
}

// MarshalJSON returns a JSON containing Err.Error() and Code.
//
// Example output: {"error":"ballot not found","code":40009}
func (e Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(errorBody{Err: e.Error(), Code: e.Code})
}

// Error returns the message of the wrapped error.
func (e Error) Error() string {
	if e.Err == nil {
		return http.StatusText(e.HTTPstatus)
	}
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an Error with the same code, so a detailed
// copy made with With or WithErr still matches its table entry.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && t.Code == e.Code
}

// Write sends the error as a JSON body with its HTTP status. Server side
// errors are logged at warn level, client errors at debug level only.
func (e Error) Write(w http.ResponseWriter) {
	msg, err := json.Marshal(e)
	if err != nil {
		log.Warn(err)
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	if e.HTTPstatus >= http.StatusInternalServerError {
		log.Warnw("API error response", "error", e.Error(), "code", e.Code, "httpStatus", e.HTTPstatus)
	} else if log.Level() == log.LogLevelDebug {
		log.Debugw("API error response", "error", e.Error(), "code", e.Code, "httpStatus", e.HTTPstatus)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.HTTPstatus)
	if _, err := w.Write(append(msg, '\n')); err != nil {
		log.Warnw("failed to write on response", "error", err)
	}
}

// Withf returns a copy of Error with the Sprintf formatted string appended at the end of e.Err
func (e Error) Withf(format string, args ...any) Error {
	return e.With(fmt.Sprintf(format, args...))
}

// With returns a copy of Error with the string appended at the end of e.Err
func (e Error) With(s string) Error {
	return Error{
		Err:        fmt.Errorf("%w: %s", e.Err, s),
		Code:       e.Code,
		HTTPstatus: e.HTTPstatus,
	}
}

// WithErr returns a copy of Error with err.Error() appended at the end of e.Err
func (e Error) WithErr(err error) Error {
	return e.With(err.Error())
}
