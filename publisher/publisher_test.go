package publisher

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/ballot-integrity/types"
)

func receive(c *qt.C, ch <-chan *TallyEvent) *TallyEvent {
	select {
	case ev, ok := <-ch:
		c.Assert(ok, qt.IsTrue)
		return ev
	case <-time.After(2 * time.Second):
		c.Fatal("timeout waiting for tally event")
	}
	return nil
}

func update() *Update {
	return &Update{
		ElectionID:  "E1",
		BoothID:     "B1",
		CandidateID: "C1",
		Results:     []types.CandidateResult{{CandidateID: "C1", VoteCount: 1, Percentage: 100}},
		TotalVotes:  1,
		Scope:       types.ScopeBinding{Kind: types.ScopeWard, ID: "W1"},
		Sequence:    1,
		Timestamp:   time.Now(),
	}
}

func TestPublishTopics(t *testing.T) {
	c := qt.New(t)
	p := New(8)
	defer p.Close()

	election, cancelElection := p.Subscribe(Topic(TopicElection, "E1"))
	defer cancelElection()
	booth, cancelBooth := p.Subscribe(Topic(TopicBooth, "B1"))
	defer cancelBooth()
	scopes, cancelScopes := p.Subscribe(Topic(TopicWard, "W1"), Topic(TopicSettlement, "S1"))
	defer cancelScopes()
	other, cancelOther := p.Subscribe(Topic(TopicElection, "E2"))
	defer cancelOther()

	p.Publish(update())

	ev := receive(c, election)
	c.Assert(ev.Scope, qt.Equals, TopicElection)
	c.Assert(ev.ScopeID, qt.Equals, "E1")
	c.Assert(ev.TotalVotes, qt.Equals, uint64(1))
	c.Assert(ev.Results, qt.HasLen, 1)

	ev = receive(c, booth)
	c.Assert(ev.Scope, qt.Equals, TopicBooth)
	c.Assert(ev.ScopeID, qt.Equals, "B1")

	// only the bound subdivision of the election gets a scope event
	ev = receive(c, scopes)
	c.Assert(ev.Scope, qt.Equals, TopicWard)
	c.Assert(ev.ScopeID, qt.Equals, "W1")
	c.Assert(ev.Sequence, qt.Equals, uint64(1))
	select {
	case ev := <-scopes:
		c.Fatalf("unexpected scope event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case ev := <-other:
		c.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnboundElectionPublishesNoScope(t *testing.T) {
	c := qt.New(t)
	p := New(8)
	defer p.Close()

	election, cancelElection := p.Subscribe(Topic(TopicElection, "E1"))
	defer cancelElection()
	scopes, cancelScopes := p.Subscribe(Topic(TopicWard, "W1"), Topic(TopicSettlement, "S1"),
		Topic(TopicConstituency, "K1"))
	defer cancelScopes()

	u := update()
	u.Scope = types.ScopeBinding{}
	p.Publish(u)

	c.Assert(receive(c, election).ScopeID, qt.Equals, "E1")
	select {
	case ev := <-scopes:
		c.Fatalf("unexpected scope event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	c := qt.New(t)
	p := New(1)
	defer p.Close()

	// nobody drains this subscription
	_, cancel := p.Subscribe(Topic(TopicElection, "E1"))
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			p.Publish(update())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCancelAndClose(t *testing.T) {
	c := qt.New(t)
	p := New(4)

	ch, cancel := p.Subscribe(Topic(TopicElection, "E1"))
	cancel()
	cancel()
	select {
	case _, ok := <-ch:
		c.Assert(ok, qt.IsFalse)
	case <-time.After(2 * time.Second):
		c.Fatal("subscription channel not closed after cancel")
	}

	live, _ := p.Subscribe(Topic(TopicElection, "E1"))
	p.Close()
	p.Close()
	select {
	case _, ok := <-live:
		c.Assert(ok, qt.IsFalse)
	case <-time.After(2 * time.Second):
		c.Fatal("subscription channel not closed after shutdown")
	}

	// publishing and subscribing after close are no-ops
	p.Publish(update())
	closed, cancel := p.Subscribe(Topic(TopicElection, "E1"))
	_, ok := <-closed
	c.Assert(ok, qt.IsFalse)
	cancel()

	c.Assert(TopicKind("bogus").Valid(), qt.IsFalse)
	c.Assert(TopicWard.Valid(), qt.IsTrue)
}
