// Package client is an HTTP client of the ballot integrity API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vocdoni/ballot-integrity/api"
	"github.com/vocdoni/ballot-integrity/coordinator"
	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/types"
)

const (
	// HTTPGET is the method string used for calling Request()
	HTTPGET = http.MethodGet
	// HTTPPOST is the method string used for calling Request()
	HTTPPOST = http.MethodPost

	errCodeNot200 = "API error"

	// DefaultRetries this enables Request() to handle the situation where the server connection fails
	DefaultRetries = 3
	// DefaultTimeout is the default timeout for the HTTP client
	DefaultTimeout = 10 * time.Second
)

// APIError is returned by the typed helpers when the server answers with an
// error code.
type APIError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %d (code %d: %s)", errCodeNot200, e.Status, e.Code, e.Message)
}

// HTTPclient is the ballot integrity API HTTP client.
type HTTPclient struct {
	c       *http.Client
	host    *url.URL
	token   string
	retries int
}

// New connects to the API host and returns the handle. The token, if not
// empty, is sent as bearer token on every request.
func New(host, token string) (*HTTPclient, error) {
	hostURL, err := url.Parse(host)
	if err != nil {
		return nil, err
	}

	tr := &http.Transport{
		IdleConnTimeout:    DefaultTimeout,
		DisableCompression: false,
		WriteBufferSize:    1 * 1024 * 1024, // 1 MiB
		ReadBufferSize:     1 * 1024 * 1024, // 1 MiB
	}
	c := &HTTPclient{
		c:       &http.Client{Transport: tr, Timeout: DefaultTimeout},
		host:    hostURL,
		token:   token,
		retries: DefaultRetries,
	}
	log.Debugw("http client created", "host", hostURL.String())
	data, status, err := c.Request(HTTPGET, nil, nil, api.PingEndpoint)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%s: %d (%s)", errCodeNot200, status, data)
	}
	return c, nil
}

// SetToken replaces the bearer token.
func (c *HTTPclient) SetToken(token string) {
	c.token = token
}

// SetRetries configures the number of retries for the HTTP client.
func (c *HTTPclient) SetRetries(n int) {
	c.retries = n
}

// SetTimeout configures the timeout for the HTTP client.
func (c *HTTPclient) SetTimeout(d time.Duration) {
	c.c.Timeout = d
	if tr, ok := c.c.Transport.(*http.Transport); ok {
		tr.ResponseHeaderTimeout = d
	}
}

// Request performs a `method` type raw request to the endpoint specified in urlPath parameter.
// Method is either GET or POST. If POST, a JSON struct should be attached.  Returns the response,
// the status code and an error.
//
// Supports query parameters via `params` slice. If the slice is not empty, it should contain pairs of strings;
// the first element of each pair is the key, and the second element is the value.
func (c *HTTPclient) Request(method string, jsonBody any, params []string, urlPath ...string) ([]byte, int, error) {
	var (
		body []byte
		err  error
	)

	// Marshal the JSON body if provided.
	if jsonBody != nil {
		body, err = json.Marshal(jsonBody)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal JSON: %w", err)
		}
	}

	u := *c.host
	u.Path = path.Join(u.Path, path.Join(urlPath...))

	// Expecting even-length slice: [key1, val1, key2, val2, ...]
	if len(params) > 0 {
		values := url.Values{}
		for i := 0; i < len(params)-1; i += 2 {
			values.Add(params[i], params[i+1])
		}
		u.RawQuery = values.Encode()
	}

	headers := http.Header{}
	if jsonBody != nil {
		headers.Set("Content-Type", "application/json")
		headers.Set("Accept", "application/json")
	}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	log.Debugw("http client request",
		"type", method,
		"url", u.String(),
		"body", func() string {
			if len(body) > 512 {
				return string(body[:512]) + "..."
			}
			return string(body)
		}(),
	)

	var resp *http.Response
	for i := 1; i <= c.retries; i++ {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, rerr := http.NewRequest(method, u.String(), reqBody)
		if rerr != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", rerr)
		}
		req.Header = headers.Clone()

		resp, err = c.c.Do(req)
		if err != nil {
			log.Warnw("http request failed", "error", err.Error(), "attempt", i, "retries", c.retries)
			if i < c.retries {
				time.Sleep(500 * time.Millisecond)
			}
			continue
		}
		break
	}
	if err != nil {
		return nil, 0, fmt.Errorf("http request ultimately failed after retries: %w", err)
	}
	if resp == nil {
		return nil, 0, fmt.Errorf("no request was sent")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, resp.StatusCode, nil
}

// call performs a request and decodes a successful answer into out.
func (c *HTTPclient) call(method string, body, out any, urlPath ...string) error {
	data, status, err := c.Request(method, body, nil, urlPath...)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		apiErr := &APIError{Status: status}
		if err := json.Unmarshal(data, apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func endpoint(pattern, param, value string) string {
	return strings.Replace(pattern, "{"+param+"}", value, 1)
}

// Cast submits a ballot.
func (c *HTTPclient) Cast(req *api.CastBallot) (*coordinator.CastResult, error) {
	res := &coordinator.CastResult{}
	return res, c.call(HTTPPOST, req, res, api.BallotsEndpoint)
}

// Verify checks a ballot against the ledger.
func (c *HTTPclient) Verify(ballotID uuid.UUID) (*coordinator.Verification, error) {
	res := &coordinator.Verification{}
	return res, c.call(HTTPGET, nil, res, endpoint(api.BallotVerifyEndpoint, api.BallotURLParam, ballotID.String()))
}

// History lists the ballots of the token subject.
func (c *HTTPclient) History() ([]coordinator.HistoryEntry, error) {
	res := &api.BallotHistory{}
	if err := c.call(HTTPGET, nil, res, api.BallotHistoryEndpoint); err != nil {
		return nil, err
	}
	return res.Ballots, nil
}

// Enroll stores the biometric template of the token subject.
func (c *HTTPclient) Enroll(sample string) (*api.EnrollmentResponse, error) {
	res := &api.EnrollmentResponse{}
	return res, c.call(HTTPPOST, &api.Enrollment{BiometricSample: sample}, res, api.EnrollEndpoint)
}

// Elections lists every election.
func (c *HTTPclient) Elections() ([]*types.Election, error) {
	res := &api.ElectionList{}
	if err := c.call(HTTPGET, nil, res, api.ElectionsEndpoint); err != nil {
		return nil, err
	}
	return res.Elections, nil
}

// Election returns an election.
func (c *HTTPclient) Election(electionID string) (*types.Election, error) {
	res := &types.Election{}
	return res, c.call(HTTPGET, nil, res, endpoint(api.ElectionEndpoint, api.ElectionURLParam, electionID))
}

// CreateElection creates an election.
func (c *HTTPclient) CreateElection(e *types.Election) (*types.Election, error) {
	res := &types.Election{}
	return res, c.call(HTTPPOST, e, res, api.ElectionsEndpoint)
}

// SetElectionStatus changes the status of an election.
func (c *HTTPclient) SetElectionStatus(electionID string, status types.ElectionStatus) (*types.Election, error) {
	res := &types.Election{}
	return res, c.call(HTTPPOST, &api.ElectionStatus{Status: status}, res,
		endpoint(api.ElectionStatusEndpoint, api.ElectionURLParam, electionID))
}

// Results returns the results of an election.
func (c *HTTPclient) Results(electionID string) (*coordinator.Results, error) {
	res := &coordinator.Results{}
	return res, c.call(HTTPGET, nil, res, endpoint(api.ElectionResultsEndpoint, api.ElectionURLParam, electionID))
}

// Breakdown returns the results of an election per ward, settlement and
// constituency.
func (c *HTTPclient) Breakdown(electionID string) (*coordinator.Breakdown, error) {
	res := &coordinator.Breakdown{}
	return res, c.call(HTTPGET, nil, res, endpoint(api.ElectionBreakdownEndpoint, api.ElectionURLParam, electionID))
}

// Count returns the running total of ballots of an election.
func (c *HTTPclient) Count(electionID string) (*coordinator.Count, error) {
	res := &coordinator.Count{}
	return res, c.call(HTTPGET, nil, res, endpoint(api.ElectionCountEndpoint, api.ElectionURLParam, electionID))
}

// Audit returns the audit report of an election.
func (c *HTTPclient) Audit(electionID string) (*coordinator.AuditReport, error) {
	res := &coordinator.AuditReport{}
	return res, c.call(HTTPGET, nil, res, endpoint(api.ElectionAuditEndpoint, api.ElectionURLParam, electionID))
}

// ImportRoll loads wards and voter assignments.
func (c *HTTPclient) ImportRoll(wards []types.Ward, voters []types.Voter) error {
	return c.call(HTTPPOST, &api.Roll{Wards: wards, Voters: voters}, nil, api.RollEndpoint)
}
