package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// subscriber is one websocket client of the event stream. An empty hub
// receives events of every hub.
type subscriber struct {
	hub  string
	send chan []byte
}

// stream fans bus events out to websocket subscribers. Slow subscribers
// drop events rather than block the bus workers.
type stream struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func newStream() *stream {
	return &stream{subs: make(map[*subscriber]struct{})}
}

func (st *stream) add(hub string) (*subscriber, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, false
	}
	sub := &subscriber{hub: hub, send: make(chan []byte, sendBuffer)}
	st.subs[sub] = struct{}{}
	return sub, true
}

func (st *stream) remove(sub *subscriber) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.subs[sub]; ok {
		delete(st.subs, sub)
		close(sub.send)
	}
}

func (st *stream) broadcast(event eventbus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Str("type", string(event.Type)).Msg("Failed to encode stream event")
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for sub := range st.subs {
		if sub.hub != "" && sub.hub != event.Hub {
			continue
		}
		select {
		case sub.send <- data:
		default:
			log.Debug().Str("type", string(event.Type)).Msg("Stream subscriber too slow, dropping event")
		}
	}
}

func (st *stream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	for sub := range st.subs {
		delete(st.subs, sub)
		close(sub.send)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	hub := r.URL.Query().Get("hub")
	if hub != "" {
		if _, ok := s.hubs[hub]; !ok {
			writeJSON(w, http.StatusNotFound, errorBody("unknown hub "+hub))
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	sub, ok := s.stream.add(hub)
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	log.Debug().Str("remote", r.RemoteAddr).Str("hub", hub).Msg("Stream client connected")

	go writePump(conn, sub)
	readPump(conn)
	s.stream.remove(sub)
}

// readPump discards client messages and returns once the connection closes.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Stream read error")
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
