package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/ballot-integrity/api"
	"github.com/vocdoni/ballot-integrity/coordinator"
)

func TestClientRequests(t *testing.T) {
	c := qt.New(t)
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case api.PingEndpoint:
			w.WriteHeader(http.StatusOK)
		case "/elections/E1/count":
			gotAuth = r.Header.Get("Authorization")
			gotPath = r.URL.Path
			_ = json.NewEncoder(w).Encode(&coordinator.Count{ElectionID: "E1", TotalVotes: 3})
		case "/elections/E1/results/breakdown":
			_ = json.NewEncoder(w).Encode(&coordinator.Breakdown{
				ElectionID: "E1",
				ByWard:     []coordinator.ScopeCount{{ScopeID: "W1", CandidateID: "C1", Count: 2}},
			})
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"voter not eligible: already_voted","code":40013}`))
		}
	}))
	defer srv.Close()

	cli, err := New(srv.URL, "secret-token")
	c.Assert(err, qt.IsNil)

	count, err := cli.Count("E1")
	c.Assert(err, qt.IsNil)
	c.Assert(count.TotalVotes, qt.Equals, uint64(3))
	c.Assert(gotAuth, qt.Equals, "Bearer secret-token")
	c.Assert(gotPath, qt.Equals, "/elections/E1/count")

	bd, err := cli.Breakdown("E1")
	c.Assert(err, qt.IsNil)
	c.Assert(bd.ByWard, qt.HasLen, 1)
	c.Assert(bd.ByWard[0].Count, qt.Equals, uint64(2))

	_, err = cli.Cast(&api.CastBallot{ElectionID: "E1"})
	var apiErr *APIError
	c.Assert(err, qt.ErrorAs, &apiErr)
	c.Assert(apiErr.Status, qt.Equals, http.StatusForbidden)
	c.Assert(apiErr.Code, qt.Equals, api.ErrIneligible.Code)
}

func TestClientRetriesExhausted(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	cli, err := New(srv.URL, "")
	c.Assert(err, qt.IsNil)
	srv.Close()

	cli.SetRetries(1)
	_, _, err = cli.Request(HTTPGET, nil, nil, api.PingEndpoint)
	c.Assert(err, qt.ErrorMatches, "http request ultimately failed after retries: .*")
}
