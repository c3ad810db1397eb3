package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/espwatch/espwatch/internal/telemetry/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The engine sits behind the operator network; origin policy is the
	// fronting proxy's job.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

// streamFrame is one websocket frame: the event plus the subscription's
// cumulative dropped count, so a client can detect loss and re-query
// the store for the gap.
type streamFrame struct {
	bus.Event
	Dropped int64 `json:"dropped"`
}

// handleStream upgrades to a websocket and forwards bus events matching
// the requested topic pattern, one JSON frame per event. Delivery is
// at-most-once; a reconnecting client re-subscribes and receives only
// new events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("topic")
	if pattern == "" {
		pattern = "*"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade", "error", err)
		return
	}

	sub := s.svc.Subscribe(pattern)
	defer sub.Close()
	defer conn.Close()

	log.Info("stream opened", "topic", pattern, "remote", r.RemoteAddr)

	// Reader goroutine: the client sends nothing meaningful, but reading
	// is what surfaces close frames and dead peers.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-done:
			log.Info("stream closed by client", "topic", pattern, "dropped", sub.Dropped())
			return

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(streamFrame{Event: ev, Dropped: sub.Dropped()}); err != nil {
				log.Warn("stream write", "topic", pattern, "error", err)
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
