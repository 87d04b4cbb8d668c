package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/arbo/memdb"
	"github.com/vocdoni/ballot-integrity/auth"
	"github.com/vocdoni/ballot-integrity/biometric"
	"github.com/vocdoni/ballot-integrity/crypto/ethereum"
	"github.com/vocdoni/ballot-integrity/ledger"
	"github.com/vocdoni/ballot-integrity/publisher"
	"github.com/vocdoni/ballot-integrity/scope"
	"github.com/vocdoni/ballot-integrity/storage"
	"github.com/vocdoni/ballot-integrity/types"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"
	"golang.org/x/sync/errgroup"
)

// stubVerifier matches samples byte by byte. Two samples trigger the
// verifier errors.
type stubVerifier struct{}

var (
	malformedSample = []byte("garbage")
	offlineSample   = []byte("offline")
)

func (stubVerifier) Mode() types.TemplateMode { return types.TemplatePerceptual }

func (stubVerifier) check(sample []byte) error {
	switch {
	case bytes.Equal(sample, malformedSample):
		return biometric.ErrMalformedSample
	case bytes.Equal(sample, offlineSample):
		return biometric.ErrServiceUnavailable
	}
	return nil
}

func (v stubVerifier) Enroll(_ context.Context, sample []byte) (*types.BiometricTemplate, error) {
	if err := v.check(sample); err != nil {
		return nil, err
	}
	return &types.BiometricTemplate{Mode: types.TemplatePerceptual, Code: bytes.Clone(sample)}, nil
}

func (v stubVerifier) Match(_ context.Context, sample []byte, tmpl *types.BiometricTemplate) (bool, error) {
	if err := v.check(sample); err != nil {
		return false, err
	}
	return bytes.Equal(sample, tmpl.Code), nil
}

type testEnv struct {
	stg   *storage.Storage
	coord *Coordinator
	pub   *publisher.Publisher
	admin *auth.Principal
}

func newTestEnv(c *qt.C, cfg Config) *testEnv {
	stg := storage.New(metadb.NewTest(c.TB))
	return newTestEnvWithStorage(c, cfg, stg)
}

func newTestEnvWithStorage(c *qt.C, cfg Config, stg *storage.Storage) *testEnv {
	if cfg.MasterSecret == nil {
		cfg.MasterSecret = []byte("test master secret")
	}
	pub := publisher.New(16)
	c.Cleanup(pub.Close)
	coord, err := New(cfg, stg, scope.NewStorageDirectory(stg), biometric.NewGate(stubVerifier{}, stg), pub)
	c.Assert(err, qt.IsNil)
	admin, err := auth.NewPrincipal("admin", auth.RoleAdmin, true)
	c.Assert(err, qt.IsNil)

	c.Assert(coord.ImportRoll(context.Background(), admin,
		[]types.Ward{
			{ID: "W1", SettlementID: "S1", ConstituencyID: "K1"},
			{ID: "W2", SettlementID: "S2", ConstituencyID: "K1"},
		},
		[]types.Voter{{ID: "V1", WardID: "W1"}, {ID: "V2", WardID: "W1"}, {ID: "V3", WardID: "W2"}},
	), qt.IsNil)
	return &testEnv{stg: stg, coord: coord, pub: pub, admin: admin}
}

func (env *testEnv) election(c *qt.C, id string, binding types.ScopeBinding) {
	now := time.Now()
	c.Assert(env.coord.CreateElection(env.admin, &types.Election{
		ID:        id,
		Title:     "Election " + id,
		Status:    types.ElectionActive,
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(time.Hour),
		Positions: []string{"mayor"},
		Candidates: []types.Candidate{
			{ID: "C1", Name: "Ada", Position: "mayor", Active: true},
			{ID: "C2", Name: "Bob", Position: "mayor", Active: true},
			{ID: "C3", Name: "Eve", Position: "mayor"},
		},
		Scope: binding,
	}), qt.IsNil)
}

func voter(c *qt.C, id string) *auth.Principal {
	p, err := auth.NewPrincipal(id, auth.RoleVoter, true)
	c.Assert(err, qt.IsNil)
	return p
}

func castReq(electionID, candidateID string) *CastRequest {
	return &CastRequest{
		ElectionID:  electionID,
		CandidateID: candidateID,
		Position:    "mayor",
		BoothID:     "B1",
		Sample:      []byte("face"),
		IPAddress:   "10.0.0.1",
		UserAgent:   "test",
	}
}

var wardW1 = types.ScopeBinding{Kind: types.ScopeWard, ID: "W1"}

func TestCastAndVerify(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(c, Config{})
	env.election(c, "E1", wardW1)
	v1 := voter(c, "V1")

	events, cancel := env.pub.Subscribe(publisher.Topic(publisher.TopicWard, "W1"))
	defer cancel()

	res, err := env.coord.Cast(ctx, v1, castReq("E1", "C1"))
	c.Assert(err, qt.IsNil)
	c.Assert(res.IsRevote, qt.IsFalse)
	c.Assert(res.Proof.LeafIndex, qt.Equals, uint64(0))
	c.Assert(res.StateRoot, qt.Not(qt.HasLen), 0)

	select {
	case ev := <-events:
		c.Assert(ev.Scope, qt.Equals, publisher.TopicWard)
		c.Assert(ev.ScopeID, qt.Equals, "W1")
		c.Assert(ev.TotalVotes, qt.Equals, uint64(1))
		c.Assert(ev.Results[0].CandidateID, qt.Equals, "C1")
		c.Assert(ev.Results[0].Percentage, qt.Equals, 100.0)
	case <-time.After(5 * time.Second):
		c.Fatal("no tally event received")
	}

	v, err := env.coord.Verify(v1, res.BallotID)
	c.Assert(err, qt.IsNil)
	c.Assert(v.Verified, qt.IsTrue)
	c.Assert(v.Active, qt.IsTrue)
	c.Assert(v.LedgerRoot, qt.DeepEquals, res.Proof.Root)
	b, err := env.stg.Ballot(res.BallotID)
	c.Assert(err, qt.IsNil)
	c.Assert(ledger.Verify(b.VoteHash, v.Proof.Steps, v.LedgerRoot), qt.IsTrue)
	c.Assert(b.Metadata.IPAddress, qt.Equals, "10.0.0.1")

	// other voters cannot read the ballot, admins can
	_, err = env.coord.Verify(voter(c, "V2"), res.BallotID)
	c.Assert(err, qt.ErrorIs, ErrForbidden)
	_, err = env.coord.Verify(env.admin, res.BallotID)
	c.Assert(err, qt.IsNil)

	// the receipt stays valid after more ballots are cast
	_, err = env.coord.Cast(ctx, voter(c, "V2"), castReq("E1", "C2"))
	c.Assert(err, qt.IsNil)
	v, err = env.coord.Verify(v1, res.BallotID)
	c.Assert(err, qt.IsNil)
	c.Assert(v.Verified, qt.IsTrue)
	c.Assert(v.Proof.TreeSize, qt.Equals, uint64(2))

	count, err := env.coord.Count("E1")
	c.Assert(err, qt.IsNil)
	c.Assert(count.TotalVotes, qt.Equals, uint64(2))

	history, err := env.coord.History(v1)
	c.Assert(err, qt.IsNil)
	c.Assert(history, qt.HasLen, 1)
	c.Assert(history[0].CandidateID, qt.Equals, "C1")
}

func TestResultsGating(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(c, Config{})
	env.election(c, "E1", types.ScopeBinding{})
	for _, cast := range []struct{ voter, candidate string }{
		{"V1", "C1"}, {"V2", "C2"}, {"V3", "C2"},
	} {
		_, err := env.coord.Cast(ctx, voter(c, cast.voter), castReq("E1", cast.candidate))
		c.Assert(err, qt.IsNil)
	}

	_, err := env.coord.Results(voter(c, "V1"), "E1")
	c.Assert(err, qt.ErrorIs, ErrResultsNotAvailable)

	res, err := env.coord.Results(env.admin, "E1")
	c.Assert(err, qt.IsNil)
	c.Assert(res.TotalVotes, qt.Equals, uint64(3))
	c.Assert(res.LedgerSize, qt.Equals, uint64(3))
	c.Assert(res.Results, qt.DeepEquals, []types.CandidateResult{
		{CandidateID: "C2", Name: "Bob", Position: "mayor", VoteCount: 2, Percentage: 66.67},
		{CandidateID: "C1", Name: "Ada", Position: "mayor", VoteCount: 1, Percentage: 33.33},
		{CandidateID: "C3", Name: "Eve", Position: "mayor", VoteCount: 0, Percentage: 0},
	})

	_, err = env.coord.SetElectionStatus(env.admin, "E1", types.ElectionCompleted)
	c.Assert(err, qt.IsNil)
	res, err = env.coord.Results(voter(c, "V1"), "E1")
	c.Assert(err, qt.IsNil)
	c.Assert(res.TotalVotes, qt.Equals, uint64(3))

	// a completed election is closed
	_, err = env.coord.Cast(ctx, voter(c, "V1"), castReq("E1", "C1"))
	c.Assert(IsValidation(err), qt.IsTrue)

	_, err = env.coord.Results(env.admin, "E9")
	c.Assert(err, qt.ErrorIs, ErrElectionNotFound)
}

func TestScopeEligibility(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(c, Config{})
	env.election(c, "E", wardW1)
	env.election(c, "E2", types.ScopeBinding{Kind: types.ScopeWard, ID: "W2"})
	env.election(c, "E3", types.ScopeBinding{Kind: types.ScopeConstituency, ID: "K1"})

	_, err := env.coord.Cast(ctx, voter(c, "V1"), castReq("E", "C1"))
	c.Assert(err, qt.IsNil)
	tally, err := env.stg.Tally("E")
	c.Assert(err, qt.IsNil)
	c.Assert(tally.Candidates["C1"], qt.Equals, uint64(1))

	_, err = env.coord.Cast(ctx, voter(c, "V1"), castReq("E2", "C1"))
	c.Assert(IsIneligible(err), qt.IsTrue)
	var inel *IneligibleError
	c.Assert(errors.As(err, &inel), qt.IsTrue)
	c.Assert(inel.Reason, qt.Equals, ReasonScope)

	// voters outside the roll are ineligible for bound elections only
	_, err = env.coord.Cast(ctx, voter(c, "V9"), castReq("E2", "C1"))
	c.Assert(IsIneligible(err), qt.IsTrue)

	// both wards belong to the constituency
	_, err = env.coord.Cast(ctx, voter(c, "V1"), castReq("E3", "C1"))
	c.Assert(err, qt.IsNil)
	_, err = env.coord.Cast(ctx, voter(c, "V3"), castReq("E3", "C1"))
	c.Assert(err, qt.IsNil)

	tally, err = env.stg.Tally("E2")
	c.Assert(err, qt.IsNil)
	c.Assert(tally.Total, qt.Equals, uint64(0))
}

func TestAtMostOneActiveBallot(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(c, Config{})
	env.election(c, "E1", types.ScopeBinding{})
	v1 := voter(c, "V1")

	const attempts = 16
	var accepted, rejected atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < attempts; i++ {
		candidate := "C1"
		if i%2 == 1 {
			candidate = "C2"
		}
		g.Go(func() error {
			_, err := env.coord.Cast(ctx, v1, castReq("E1", candidate))
			switch {
			case err == nil:
				accepted.Add(1)
			case IsIneligible(err):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	c.Assert(g.Wait(), qt.IsNil)
	c.Assert(accepted.Load(), qt.Equals, int32(1))
	c.Assert(rejected.Load(), qt.Equals, int32(attempts-1))

	tally, err := env.stg.Tally("E1")
	c.Assert(err, qt.IsNil)
	c.Assert(tally.Total, qt.Equals, uint64(1))
	n, err := env.stg.CountBallots("E1")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(1))
	leaves, err := env.stg.LedgerLeaves("E1")
	c.Assert(err, qt.IsNil)
	c.Assert(leaves, qt.HasLen, 1)
	c.Assert(env.coord.castLocks.size(), qt.Equals, 0)
}

func TestRevoteNeutrality(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(c, Config{AllowRevote: true, RevoteReason: "test"})
	env.election(c, "E1", types.ScopeBinding{})
	v1 := voter(c, "V1")

	first, err := env.coord.Cast(ctx, v1, castReq("E1", "C1"))
	c.Assert(err, qt.IsNil)
	before, err := env.stg.Tally("E1")
	c.Assert(err, qt.IsNil)

	second, err := env.coord.Cast(ctx, v1, castReq("E1", "C2"))
	c.Assert(err, qt.IsNil)
	c.Assert(second.IsRevote, qt.IsTrue)
	c.Assert(second.BallotID, qt.Equals, first.BallotID)
	c.Assert(second.Proof.LeafIndex, qt.Equals, uint64(1))

	after, err := env.stg.Tally("E1")
	c.Assert(err, qt.IsNil)
	c.Assert(after.Total, qt.Equals, before.Total)
	c.Assert(after.Candidates["C1"], qt.Equals, before.Candidates["C1"]-1)
	c.Assert(after.Candidates["C2"], qt.Equals, before.Candidates["C2"]+1)

	// the ledger keeps both leaves, the state tree only the new ballot
	leaves, err := env.stg.LedgerLeaves("E1")
	c.Assert(err, qt.IsNil)
	c.Assert(leaves, qt.HasLen, 2)
	v, err := env.coord.Verify(v1, second.BallotID)
	c.Assert(err, qt.IsNil)
	c.Assert(v.Verified, qt.IsTrue)
	c.Assert(v.Active, qt.IsTrue)
	c.Assert(v.Revotes, qt.Equals, uint32(1))

	report, err := env.coord.Audit(env.admin, "E1")
	c.Assert(err, qt.IsNil)
	c.Assert(report.Ballots, qt.Equals, 1)
	c.Assert(report.SupersededLeaves, qt.Equals, uint64(1))
	c.Assert(report.Failures, qt.Equals, 0)
	c.Assert(report.LedgerConsistent, qt.IsTrue)
	c.Assert(report.TallyConsistent, qt.IsTrue)
}

func TestConcurrentRevote(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(c, Config{AllowRevote: true})
	env.election(c, "E", wardW1)
	v := voter(c, "V1")

	results := make([]*CastResult, 2)
	g, ctx := errgroup.WithContext(context.Background())
	for i, candidate := range []string{"C1", "C2"} {
		g.Go(func() error {
			res, err := env.coord.Cast(ctx, v, castReq("E", candidate))
			results[i] = res
			return err
		})
	}
	c.Assert(g.Wait(), qt.IsNil)
	c.Assert(results[0].IsRevote != results[1].IsRevote, qt.IsTrue)
	c.Assert(results[0].BallotID, qt.Equals, results[1].BallotID)

	tally, err := env.stg.Tally("E")
	c.Assert(err, qt.IsNil)
	c.Assert(tally.Total, qt.Equals, uint64(1))
	c.Assert(tally.Candidates["C1"]+tally.Candidates["C2"], qt.Equals, uint64(1))

	active, err := env.stg.ActiveBallot("E", "V1")
	c.Assert(err, qt.IsNil)
	c.Assert(tally.Candidates[active.CandidateID], qt.Equals, uint64(1))
}

func TestBiometricOutcomes(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(c, Config{})
	env.election(c, "E1", types.ScopeBinding{})

	// no template and no second factor
	noMFA, err := auth.NewPrincipal("V1", auth.RoleVoter, false)
	c.Assert(err, qt.IsNil)
	_, err = env.coord.Cast(ctx, noMFA, castReq("E1", "C1"))
	c.Assert(IsBiometricMismatch(err), qt.IsTrue)

	// enroll explicitly, then a different capture fails
	_, err = env.coord.Enroll(ctx, noMFA, []byte("face"))
	c.Assert(err, qt.ErrorIs, ErrForbidden)
	v1 := voter(c, "V1")
	tmpl, err := env.coord.Enroll(ctx, v1, []byte("face"))
	c.Assert(err, qt.IsNil)
	c.Assert(tmpl.VoterID, qt.Equals, "V1")
	_, err = env.coord.Enroll(ctx, v1, []byte("other"))
	c.Assert(IsIneligible(err), qt.IsTrue)

	req := castReq("E1", "C1")
	req.Sample = []byte("someone else")
	_, err = env.coord.Cast(ctx, v1, req)
	c.Assert(IsBiometricMismatch(err), qt.IsTrue)

	req.Sample = malformedSample
	_, err = env.coord.Cast(ctx, v1, req)
	c.Assert(IsValidation(err), qt.IsTrue)

	req.Sample = offlineSample
	_, err = env.coord.Cast(ctx, v1, req)
	c.Assert(IsDependencyTimeout(err), qt.IsTrue)

	// a failed capture can be retried
	_, err = env.coord.Cast(ctx, noMFA, castReq("E1", "C1"))
	c.Assert(err, qt.IsNil)
}

func TestValidation(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(c, Config{RequireLocation: true})
	env.election(c, "E1", types.ScopeBinding{})
	v1 := voter(c, "V1")

	located := func(r *CastRequest) *CastRequest {
		r.Location = &types.Location{Lat: 41.38, Lng: 2.17}
		return r
	}
	tests := []struct {
		name   string
		mutate func(r *CastRequest)
		field  string
	}{
		{"missing candidate", func(r *CastRequest) { r.CandidateID = "" }, "candidateId"},
		{"bad booth", func(r *CastRequest) { r.BoothID = "a/b" }, "boothId"},
		{"missing position", func(r *CastRequest) { r.Position = "" }, "position"},
		{"missing sample", func(r *CastRequest) { r.Sample = nil }, "biometricSample"},
		{"missing location", func(r *CastRequest) { r.Location = nil }, "location"},
		{"bad location", func(r *CastRequest) { r.Location.Lat = 91 }, "location"},
		{"unknown candidate", func(r *CastRequest) { r.CandidateID = "C9" }, "candidateId"},
		{"inactive candidate", func(r *CastRequest) { r.CandidateID = "C3" }, "candidateId"},
		{"wrong position", func(r *CastRequest) { r.Position = "governor" }, "position"},
		{"bad signature", func(r *CastRequest) { r.Signature = []byte{1, 2, 3} }, "signature"},
	}
	for _, tt := range tests {
		req := located(castReq("E1", "C1"))
		tt.mutate(req)
		_, err := env.coord.Cast(ctx, v1, req)
		var verr *ValidationError
		c.Assert(errors.As(err, &verr), qt.IsTrue, qt.Commentf("case %s", tt.name))
		c.Assert(verr.Field, qt.Equals, tt.field, qt.Commentf("case %s", tt.name))
	}

	_, err := env.coord.Cast(ctx, v1, located(castReq("E9", "C1")))
	c.Assert(err, qt.ErrorIs, ErrElectionNotFound)
	_, err = env.coord.Cast(ctx, env.admin, located(castReq("E1", "C1")))
	c.Assert(err, qt.ErrorIs, ErrForbidden)

	// an inactive booth rejects ballots
	c.Assert(env.stg.SetBooth(&types.Booth{ID: "B2", ElectionID: "E1"}), qt.IsNil)
	req := located(castReq("E1", "C1"))
	req.BoothID = "B2"
	_, err = env.coord.Cast(ctx, v1, req)
	c.Assert(IsValidation(err), qt.IsTrue)

	// a signed cast stores the signer address
	signer := ethereum.NewSignKeys()
	c.Assert(signer.Generate(), qt.IsNil)
	req = located(castReq("E1", "C1"))
	req.Signature, err = signer.SignEthereum(CastMessage("E1", "C1", "mayor", "B1"))
	c.Assert(err, qt.IsNil)
	res, err := env.coord.Cast(ctx, v1, req)
	c.Assert(err, qt.IsNil)
	b, err := env.stg.Ballot(res.BallotID)
	c.Assert(err, qt.IsNil)
	c.Assert([]byte(b.Metadata.SignerAddress), qt.DeepEquals, signer.Address().Bytes())

	// nothing rejected left a trace
	leaves, err := env.stg.LedgerLeaves("E1")
	c.Assert(err, qt.IsNil)
	c.Assert(leaves, qt.HasLen, 1)
}

func TestCreateElectionValidation(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(c, Config{})
	now := time.Now()
	valid := func() *types.Election {
		return &types.Election{
			ID: "E1", Title: "t", StartDate: now, EndDate: now.Add(time.Hour),
			Candidates: []types.Candidate{{ID: "C1", Active: true}},
		}
	}
	c.Assert(env.coord.CreateElection(voter(c, "V1"), valid()), qt.ErrorIs, ErrForbidden)

	for i, mutate := range []func(e *types.Election){
		func(e *types.Election) { e.ID = "" },
		func(e *types.Election) { e.Title = "" },
		func(e *types.Election) { e.EndDate = e.StartDate },
		func(e *types.Election) { e.Status = "paused" },
		func(e *types.Election) { e.Scope = types.ScopeBinding{Kind: types.ScopeWard} },
		func(e *types.Election) { e.Candidates = nil },
		func(e *types.Election) { e.Candidates = append(e.Candidates, e.Candidates[0]) },
		func(e *types.Election) {
			e.Positions = []string{"mayor"}
			e.Candidates[0].Position = "judge"
		},
	} {
		e := valid()
		mutate(e)
		c.Assert(IsValidation(env.coord.CreateElection(env.admin, e)), qt.IsTrue, qt.Commentf("case %d", i))
	}

	e := valid()
	c.Assert(env.coord.CreateElection(env.admin, e), qt.IsNil)
	c.Assert(e.Status, qt.Equals, types.ElectionDraft)
	c.Assert(IsValidation(env.coord.CreateElection(env.admin, valid())), qt.IsTrue)
}

func TestCompensation(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(c, Config{})
	env.election(c, "E1", types.ScopeBinding{})

	env.coord.commitHooks = []storage.TxHook{func(db.WriteTx) error {
		return fmt.Errorf("disk full")
	}}
	_, err := env.coord.Cast(ctx, voter(c, "V1"), castReq("E1", "C1"))
	c.Assert(err, qt.ErrorMatches, ".*disk full")

	rt, err := env.coord.runtime("E1")
	c.Assert(err, qt.IsNil)
	c.Assert(rt.tree.Load().Size(), qt.Equals, uint64(0))
	intents, err := env.stg.Intents()
	c.Assert(err, qt.IsNil)
	c.Assert(intents, qt.HasLen, 0)
	tally, err := env.stg.Tally("E1")
	c.Assert(err, qt.IsNil)
	c.Assert(tally.Total, qt.Equals, uint64(0))
	_, err = env.stg.ActiveBallot("E1", "V1")
	c.Assert(err, qt.ErrorIs, storage.ErrNotFound)
	root, err := rt.state.Root()
	c.Assert(err, qt.IsNil)

	env.coord.commitHooks = nil
	res, err := env.coord.Cast(ctx, voter(c, "V1"), castReq("E1", "C1"))
	c.Assert(err, qt.IsNil)
	c.Assert(res.Proof.LeafIndex, qt.Equals, uint64(0))
	c.Assert([]byte(res.StateRoot), qt.Not(qt.DeepEquals), root)
}

func TestCompensationFailure(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(c, Config{})
	env.election(c, "E1", types.ScopeBinding{})
	rt, err := env.coord.runtime("E1")
	c.Assert(err, qt.IsNil)

	// a foreign leaf behind the new one makes the truncation impossible
	env.coord.commitHooks = []storage.TxHook{func(db.WriteTx) error {
		rt.tree.Load().Append([]byte("foreign"))
		return fmt.Errorf("commit failed")
	}}
	_, err = env.coord.Cast(ctx, voter(c, "V1"), castReq("E1", "C1"))
	c.Assert(err, qt.IsNotNil)

	intents, err := env.stg.Intents()
	c.Assert(err, qt.IsNil)
	c.Assert(intents, qt.HasLen, 1)
	c.Assert(intents[0].State, qt.Equals, types.IntentCompensated)
	// the ledger was rebuilt from the committed leaves
	c.Assert(rt.tree.Load().Size(), qt.Equals, uint64(0))

	env.coord.commitHooks = nil
	report, err := env.coord.Reconcile(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(report.Alerts, qt.Equals, 1)
	c.Assert(report.ClearedIntents, qt.Equals, 1)
	c.Assert(report.Inconsistent, qt.HasLen, 0)

	_, err = env.coord.Cast(ctx, voter(c, "V1"), castReq("E1", "C1"))
	c.Assert(err, qt.IsNil)
}

func TestCancelledCast(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(c, Config{})
	env.election(c, "E1", types.ScopeBinding{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.coord.Cast(ctx, voter(c, "V1"), castReq("E1", "C1"))
	c.Assert(err, qt.ErrorIs, context.Canceled)

	intents, err := env.stg.Intents()
	c.Assert(err, qt.IsNil)
	c.Assert(intents, qt.HasLen, 0)
	leaves, err := env.stg.LedgerLeaves("E1")
	c.Assert(err, qt.IsNil)
	c.Assert(leaves, qt.HasLen, 0)
	_, err = env.stg.ActiveBallot("E1", "V1")
	c.Assert(err, qt.ErrorIs, storage.ErrNotFound)
}

func TestReconcileAfterRestart(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(c, Config{})
	env.election(c, "E1", types.ScopeBinding{})
	_, err := env.coord.Cast(ctx, voter(c, "V1"), castReq("E1", "C1"))
	c.Assert(err, qt.IsNil)

	// a crash between the intent and the commit leaves the intent behind
	intent := &types.CastIntent{
		ID:         [16]byte{1},
		ElectionID: "E1",
		VoterID:    "V2",
		LeafIndex:  1,
		State:      types.IntentPending,
	}
	c.Assert(env.stg.SetIntent(intent), qt.IsNil)

	// a fresh coordinator over the same storage
	restarted := newTestEnvWithStorage(c, Config{}, env.stg)
	report, err := restarted.coord.Reconcile(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(report.ClearedIntents, qt.Equals, 1)
	c.Assert(report.Alerts, qt.Equals, 0)
	c.Assert(report.Reloaded, qt.HasLen, 0)
	c.Assert(report.Inconsistent, qt.HasLen, 0)

	// the restarted ledger carries on where the old one stopped
	res, err := restarted.coord.Cast(ctx, voter(c, "V2"), castReq("E1", "C2"))
	c.Assert(err, qt.IsNil)
	c.Assert(res.Proof.LeafIndex, qt.Equals, uint64(1))

	// a diverging in-memory ledger is rebuilt from storage
	rt, err := restarted.coord.runtime("E1")
	c.Assert(err, qt.IsNil)
	rt.tree.Load().Append([]byte("stray"))
	report, err = restarted.coord.Reconcile(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(report.Reloaded, qt.DeepEquals, []string{"E1"})
	c.Assert(rt.tree.Load().Size(), qt.Equals, uint64(2))
}

func TestAuditDetectsWrongKey(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(c, Config{})
	env.election(c, "E1", types.ScopeBinding{})
	_, err := env.coord.Cast(ctx, voter(c, "V1"), castReq("E1", "C1"))
	c.Assert(err, qt.IsNil)

	_, err = env.coord.Audit(voter(c, "V1"), "E1")
	c.Assert(err, qt.ErrorIs, ErrForbidden)
	report, err := env.coord.Audit(env.admin, "E1")
	c.Assert(err, qt.IsNil)
	c.Assert(report.Failures, qt.Equals, 0)
	c.Assert(report.Entries[0].Verified, qt.IsTrue)
	c.Assert(report.Entries[0].IPAddress, qt.Equals, "10.0.0.1")

	// ballots sealed under another key fail authentication
	other := newTestEnvWithStorage(c, Config{MasterSecret: []byte("another secret")}, env.stg)
	report, err = other.coord.Audit(other.admin, "E1")
	c.Assert(err, qt.IsNil)
	c.Assert(report.Failures, qt.Equals, 1)
	c.Assert(report.Entries[0].Verified, qt.IsFalse)
	c.Assert(report.TallyConsistent, qt.IsFalse)
}

func TestMemoryBackend(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	cfg := Config{AllowRevote: true, RevoteReason: "test"}
	stg := storage.New(memdb.New())
	env := newTestEnvWithStorage(c, cfg, stg)
	env.election(c, "E1", types.ScopeBinding{})

	v1 := voter(c, "V1")
	_, err := env.coord.Cast(ctx, v1, castReq("E1", "C1"))
	c.Assert(err, qt.IsNil)
	_, err = env.coord.Cast(ctx, voter(c, "V2"), castReq("E1", "C2"))
	c.Assert(err, qt.IsNil)
	_, err = env.coord.Cast(ctx, v1, castReq("E1", "C2"))
	c.Assert(err, qt.IsNil)

	records, err := stg.LedgerRecords("E1")
	c.Assert(err, qt.IsNil)
	c.Assert(records, qt.HasLen, 3)

	report, err := env.coord.Audit(env.admin, "E1")
	c.Assert(err, qt.IsNil)
	c.Assert(report.Failures, qt.Equals, 0)
	c.Assert(report.Ballots, qt.Equals, 2)
	c.Assert(report.LedgerConsistent, qt.IsTrue)
	c.Assert(report.TallyConsistent, qt.IsTrue)

	rec, err := env.coord.Reconcile(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Reloaded, qt.HasLen, 0)
	c.Assert(rec.Inconsistent, qt.HasLen, 0)

	// a fresh coordinator reloads the ledger from the same memory database
	restarted := newTestEnvWithStorage(c, cfg, stg)
	res, err := restarted.coord.Cast(ctx, voter(c, "V3"), castReq("E1", "C1"))
	c.Assert(err, qt.IsNil)
	c.Assert(res.Proof.LeafIndex, qt.Equals, uint64(3))
	v, err := restarted.coord.Verify(restarted.admin, res.BallotID)
	c.Assert(err, qt.IsNil)
	c.Assert(v.Verified, qt.IsTrue)
}

func TestBreakdown(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(c, Config{AllowRevote: true, RevoteReason: "test"})
	env.election(c, "E1", types.ScopeBinding{})
	for _, cast := range []struct{ voter, candidate string }{
		{"V1", "C1"}, {"V2", "C2"}, {"V3", "C2"}, {"V9", "C1"},
	} {
		_, err := env.coord.Cast(ctx, voter(c, cast.voter), castReq("E1", cast.candidate))
		c.Assert(err, qt.IsNil)
	}
	// the re-vote moves V1 from C1 to C2 in every subdivision
	_, err := env.coord.Cast(ctx, voter(c, "V1"), castReq("E1", "C2"))
	c.Assert(err, qt.IsNil)

	_, err = env.coord.Breakdown(voter(c, "V1"), "E1")
	c.Assert(err, qt.ErrorIs, ErrResultsNotAvailable)

	bd, err := env.coord.Breakdown(env.admin, "E1")
	c.Assert(err, qt.IsNil)
	c.Assert(bd.ByWard, qt.DeepEquals, []ScopeCount{
		{ScopeID: "W1", CandidateID: "C2", Count: 2},
		{ScopeID: "W2", CandidateID: "C2", Count: 1},
	})
	c.Assert(bd.BySettlement, qt.DeepEquals, []ScopeCount{
		{ScopeID: "S1", CandidateID: "C2", Count: 2},
		{ScopeID: "S2", CandidateID: "C2", Count: 1},
	})
	// V9 is outside the roll and only counts in the election total
	c.Assert(bd.ByConstituency, qt.DeepEquals, []ScopeCount{
		{ScopeID: "K1", CandidateID: "C2", Count: 3},
	})
	res, err := env.coord.Results(env.admin, "E1")
	c.Assert(err, qt.IsNil)
	c.Assert(res.TotalVotes, qt.Equals, uint64(4))

	_, err = env.coord.SetElectionStatus(env.admin, "E1", types.ElectionCompleted)
	c.Assert(err, qt.IsNil)
	bd, err = env.coord.Breakdown(voter(c, "V1"), "E1")
	c.Assert(err, qt.IsNil)
	c.Assert(bd.ByWard, qt.HasLen, 2)

	_, err = env.coord.Breakdown(env.admin, "E9")
	c.Assert(err, qt.ErrorIs, ErrElectionNotFound)
}

func TestScopeEventsFollowBinding(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(c, Config{})
	env.election(c, "E1", types.ScopeBinding{})
	env.election(c, "E2", wardW1)

	election, cancelElection := env.pub.Subscribe(publisher.Topic(publisher.TopicElection, "E1"))
	defer cancelElection()
	scopes, cancelScopes := env.pub.Subscribe(
		publisher.Topic(publisher.TopicWard, "W1"),
		publisher.Topic(publisher.TopicSettlement, "S1"),
		publisher.Topic(publisher.TopicConstituency, "K1"),
	)
	defer cancelScopes()

	noEvent := func() {
		select {
		case ev := <-scopes:
			c.Fatalf("unexpected scope event %+v", ev)
		case <-time.After(100 * time.Millisecond):
		}
	}

	// an unbound election only reaches the election and booth topics
	_, err := env.coord.Cast(ctx, voter(c, "V1"), castReq("E1", "C1"))
	c.Assert(err, qt.IsNil)
	select {
	case ev := <-election:
		c.Assert(ev.ElectionID, qt.Equals, "E1")
	case <-time.After(5 * time.Second):
		c.Fatal("no election event received")
	}
	noEvent()

	// a ward bound election reaches its ward, never the parent subdivisions
	_, err = env.coord.Cast(ctx, voter(c, "V1"), castReq("E2", "C1"))
	c.Assert(err, qt.IsNil)
	select {
	case ev := <-scopes:
		c.Assert(ev.Scope, qt.Equals, publisher.TopicWard)
		c.Assert(ev.ScopeID, qt.Equals, "W1")
		c.Assert(ev.ElectionID, qt.Equals, "E2")
	case <-time.After(5 * time.Second):
		c.Fatal("no ward event received")
	}
	noEvent()
}

func TestTallyEventsInCommitOrder(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(c, Config{})
	env.election(c, "E1", types.ScopeBinding{})
	events, cancel := env.pub.Subscribe(publisher.Topic(publisher.TopicElection, "E1"))
	defer cancel()

	// fewer casts than the subscription buffer, so no event is dropped
	const casts = 12
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < casts; i++ {
		g.Go(func() error {
			_, err := env.coord.Cast(ctx, voter(c, fmt.Sprintf("P%d", i)), castReq("E1", "C1"))
			return err
		})
	}
	c.Assert(g.Wait(), qt.IsNil)

	for want := uint64(1); want <= casts; want++ {
		select {
		case ev := <-events:
			c.Assert(ev.Sequence, qt.Equals, want)
			c.Assert(ev.TotalVotes, qt.Equals, want)
		case <-time.After(5 * time.Second):
			c.Fatalf("missing tally event %d", want)
		}
	}
}
