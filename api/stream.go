package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vocdoni/ballot-integrity/auth"
	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/publisher"
	"github.com/vocdoni/ballot-integrity/types"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	// maxStreamTopics bounds the topics of a single subscription.
	maxStreamTopics = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamTopics parses and validates the requested topics.
func streamTopics(r *http.Request) ([]string, error) {
	raw := r.URL.Query()[StreamTopicParam]
	if len(raw) == 0 {
		return nil, ErrInvalidStreamTopic.With("no topic requested")
	}
	if len(raw) > maxStreamTopics {
		return nil, ErrInvalidStreamTopic.Withf("at most %d topics", maxStreamTopics)
	}
	topics := make([]string, 0, len(raw))
	for _, t := range raw {
		kind, id, ok := strings.Cut(t, ":")
		if !ok || !publisher.TopicKind(kind).Valid() || !types.ValidID(id) {
			return nil, ErrInvalidStreamTopic.With(t)
		}
		topics = append(topics, publisher.Topic(publisher.TopicKind(kind), id))
	}
	return topics, nil
}

// stream upgrades the connection to a websocket and forwards the tally
// events of the requested topics until either side closes it.
// GET /stream?topic=election:{electionId}&topic=ward:{wardId}
func (a *API) stream(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	if !p.Can(auth.PermReadLiveResults) {
		ErrResultsNotAvailable.Write(w)
		return
	}
	if a.pub == nil {
		ErrStreamNotAvailable.Write(w)
		return
	}
	topics, err := streamTopics(r)
	if err != nil {
		coordinatorError(err).Write(w)
		return
	}
	// subscribe first so no event is lost between the handshake and the
	// first read
	events, cancel := a.pub.Subscribe(topics...)
	defer cancel()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered the client
		log.Debugw("websocket upgrade failed", "error", err.Error())
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debugw("could not close websocket", "error", err.Error())
		}
	}()
	log.Debugw("stream subscribed", "principal", p.ID, "topics", topics)

	// the reader only handles control frames and notices the client leaving
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debugw("stream write failed", "principal", p.ID, "error", err.Error())
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
