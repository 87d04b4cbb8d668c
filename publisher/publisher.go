// Package publisher broadcasts tally updates to live subscribers. Topics are
// keyed by election, polling booth and geographic scope. Publishing never
// blocks the caller: a subscriber that is not draining its channel misses
// messages instead of slowing down casting.
package publisher

import (
	"fmt"
	"sync"
	"time"

	"github.com/cskr/pubsub"
	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/types"
)

// DefaultCapacity is the buffer size of every subscription channel.
const DefaultCapacity = 64

// TopicKind is the discriminator of a topic class.
type TopicKind string

const (
	TopicElection     TopicKind = "election"
	TopicBooth        TopicKind = "booth"
	TopicWard         TopicKind = TopicKind(types.ScopeWard)
	TopicSettlement   TopicKind = TopicKind(types.ScopeSettlement)
	TopicConstituency TopicKind = TopicKind(types.ScopeConstituency)
)

// Valid reports whether k is a known topic class.
func (k TopicKind) Valid() bool {
	switch k {
	case TopicElection, TopicBooth, TopicWard, TopicSettlement, TopicConstituency:
		return true
	}
	return false
}

// Topic returns the topic name of a class and identifier.
func Topic(kind TopicKind, id string) string {
	return fmt.Sprintf("%s:%s", kind, id)
}

// TallyEvent is the message delivered to subscribers. It carries the same
// per-candidate shape as the results endpoint.
type TallyEvent struct {
	Scope       TopicKind               `json:"scope"`
	ScopeID     string                  `json:"scopeId"`
	ElectionID  string                  `json:"electionId"`
	BoothID     string                  `json:"boothId,omitempty"`
	CandidateID string                  `json:"candidateId"`
	IsRevote    bool                    `json:"isRevote"`
	Results     []types.CandidateResult `json:"results"`
	TotalVotes  uint64                  `json:"totalVotes"`
	// Sequence grows with every committed cast of the election, so a
	// subscriber can discard an event older than one already seen.
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// Update describes a committed cast to publish.
type Update struct {
	ElectionID  string
	BoothID     string
	CandidateID string
	IsRevote    bool
	Results     []types.CandidateResult
	TotalVotes  uint64
	// Scope is the binding of the election. Unbound elections publish no
	// scope events.
	Scope     types.ScopeBinding
	Sequence  uint64
	Timestamp time.Time
}

// Publisher fans tally events out to subscribers.
type Publisher struct {
	ps       *pubsub.PubSub
	mu       sync.RWMutex
	closed   bool
	capacity int
}

// New returns a Publisher whose subscription channels have the given
// capacity.
func New(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{ps: pubsub.New(capacity), capacity: capacity}
}

// Publish sends the update to the election topic, the booth topic and the
// topic of the subdivision the election is bound to. Delivery is best effort.
func (p *Publisher) Publish(u *Update) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		log.Warnw("tally update dropped, publisher closed", "electionId", u.ElectionID)
		return
	}
	base := TallyEvent{
		ElectionID:  u.ElectionID,
		BoothID:     u.BoothID,
		CandidateID: u.CandidateID,
		IsRevote:    u.IsRevote,
		Results:     u.Results,
		TotalVotes:  u.TotalVotes,
		Sequence:    u.Sequence,
		Timestamp:   u.Timestamp,
	}
	p.send(base, TopicElection, u.ElectionID)
	if u.BoothID != "" {
		p.send(base, TopicBooth, u.BoothID)
	}
	if u.Scope.Bound() {
		p.send(base, TopicKind(u.Scope.Kind), u.Scope.ID)
	}
}

func (p *Publisher) send(ev TallyEvent, kind TopicKind, id string) {
	if id == "" {
		return
	}
	ev.Scope = kind
	ev.ScopeID = id
	p.ps.TryPub(&ev, Topic(kind, id))
}

// Subscribe returns a channel receiving the events of the given topics and a
// function that cancels the subscription. The channel is closed once the
// subscription is cancelled or the publisher is closed.
func (p *Publisher) Subscribe(topics ...string) (<-chan *TallyEvent, func()) {
	out := make(chan *TallyEvent, p.capacity)
	p.mu.RLock()
	if p.closed || len(topics) == 0 {
		p.mu.RUnlock()
		close(out)
		return out, func() {}
	}
	in := p.ps.Sub(topics...)
	p.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					return
				}
				ev, ok := msg.(*TallyEvent)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				default:
					log.Debugw("slow tally subscriber, event dropped", "topic", Topic(ev.Scope, ev.ScopeID))
				}
			case <-done:
				p.unsubscribe(in, topics)
				return
			}
		}
	}()
	var once sync.Once
	return out, func() { once.Do(func() { close(done) }) }
}

// unsubscribe removes the subscription and drains the channel until the
// pubsub loop closes it.
func (p *Publisher) unsubscribe(in chan interface{}, topics []string) {
	go func() {
		p.mu.RLock()
		defer p.mu.RUnlock()
		if !p.closed {
			p.ps.Unsub(in, topics...)
		}
	}()
	for range in {
	}
}

// Close shuts the publisher down and closes every subscription channel.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.ps.Shutdown()
}
