package service

import (
	"context"
	"net/http"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/ballot-integrity/api"
	"github.com/vocdoni/ballot-integrity/config"
	"github.com/vocdoni/ballot-integrity/scope/sqldir"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.DBType = config.DBTypeMemory
	cfg.Ballot.MasterSecret = "service test master secret"
	cfg.Auth.TokenSecret = "service test token secret"
	return cfg
}

func TestAPIService(t *testing.T) {
	c := qt.New(t)

	stack, err := NewStack(testConfig())
	c.Assert(err, qt.IsNil)
	defer stack.Close()

	// Port 0 lets the OS choose an available port
	apiService := NewAPI(stack, "127.0.0.1", 0)
	ctx := context.Background()

	err = apiService.Start(ctx)
	c.Assert(err, qt.IsNil)
	defer apiService.Stop()

	resp, err := http.Get("http://" + apiService.Addr() + api.PingEndpoint)
	c.Assert(err, qt.IsNil)
	resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)

	// Test stopping and restarting
	apiService.Stop()
	c.Assert(apiService.Addr(), qt.Equals, "")
	err = apiService.Start(ctx)
	c.Assert(err, qt.IsNil)

	// Test starting an already running service
	err = apiService.Start(ctx)
	c.Assert(err, qt.ErrorMatches, "service already running")
}

func TestStackWithSQLRoll(t *testing.T) {
	c := qt.New(t)
	cfg := testConfig()
	cfg.Roll.Driver = config.RollSQLite
	cfg.Roll.DSN = "file::memory:"
	c.Assert(cfg.Validate(), qt.IsNil)

	stack, err := NewStack(cfg)
	c.Assert(err, qt.IsNil)
	defer stack.Close()
	_, isSQL := stack.Roll.(*sqldir.Directory)
	c.Assert(isSQL, qt.IsTrue)

	cfg.Roll.Driver = config.RollPostgres
	cfg.Roll.DSN = "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"
	_, err = NewStack(cfg)
	c.Assert(err, qt.ErrorMatches, "failed to ping roll database: .*")
}
