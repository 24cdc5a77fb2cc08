package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"realmecon/internal/notify"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// handleEvents streams notification payloads over a WebSocket. Delivery is
// advisory: a slow reader drops events and should re-read what it cares about.
// ?topic= may be repeated to filter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	want := map[notify.Topic]bool{}
	for _, t := range r.URL.Query()["topic"] {
		want[notify.Topic(t)] = true
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Warn("event stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events, cancel := s.bus.Subscribe(256)
	defer cancel()

	// The reader only services control frames and notices the peer leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	s.log.Info("event stream opened", "remote", r.RemoteAddr, "topics", len(want))
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			s.log.Info("event stream closed", "remote", r.RemoteAddr)
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
				return
			}
			if len(want) > 0 && !want[ev.Topic] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Warn("event stream write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
