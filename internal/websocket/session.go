// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

// Package websocket bridges gorilla websocket connections onto room
// coordinators: one Session per connection, with the usual read and
// write pumps, keepalive pings, and a bounded send buffer.
package websocket

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabforge/roomsync/internal/logging"
	"github.com/collabforge/roomsync/internal/protocol"
	"github.com/collabforge/roomsync/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
	sendBuffer     = 256
)

// errSendBufferFull marks a consumer that cannot keep up with broadcast
// volume. The coordinator treats it like any other dead connection.
var errSendBufferFull = errors.New("websocket send buffer full")

var errSessionClosed = errors.New("websocket session closed")

// Session is one client's connection to one coordinator. It satisfies
// the coordinator's Connection interface: Send never blocks the
// broadcasting goroutine and Close may be called from any goroutine.
type Session struct {
	conn  *websocket.Conn
	coord *room.Coordinator

	clientID  string
	send      chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
}

// Send queues a frame for the write pump. A full buffer is an error so
// the coordinator evicts the laggard instead of blocking the room.
func (s *Session) Send(frame protocol.Frame) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close sends a close control frame and tears the connection down.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(writeWait)
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			logging.Debug().Err(err).Msg("close frame write failed")
		}
		_ = s.conn.Close()
	})
}

// readPump pumps inbound frames into the coordinator. It owns connection
// cleanup: when the read side ends, for any reason, the session is
// disconnected from the room.
func (s *Session) readPump() {
	defer func() {
		s.coord.Disconnect(s)
		s.Close(websocket.CloseNormalClosure, "")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("client", s.clientID).Msg("unexpected websocket close")
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			// Malformed input is dropped, never punished with a close.
			logging.Warn().Err(err).Str("client", s.clientID).Msg("dropping malformed frame")
			continue
		}
		s.coord.HandleMessage(s, frame, s.clientID)
	}
}

// writePump serializes queued frames onto the wire and keeps the
// connection alive with periodic pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-s.done:
			return

		case frame := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			data, err := protocol.Encode(frame)
			if err != nil {
				logging.Error().Err(err).Str("type", frame.Type).Msg("frame encode failed")
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Gateway upgrades HTTP requests and attaches the resulting sessions to
// coordinators.
type Gateway struct {
	upgrader websocket.Upgrader
}

// NewGateway creates a gateway. Cross-origin policy is enforced by the
// router's CORS middleware, so the upgrader accepts any origin.
func NewGateway() *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and runs the session until the connection
// ends. The session registers with coord before any pump starts, so the
// client's first sync request always finds it in the registry.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, coord *room.Coordinator) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := &Session{
		conn:  conn,
		coord: coord,
		send:  make(chan protocol.Frame, sendBuffer),
		done:  make(chan struct{}),
	}
	s.clientID = coord.AddConnection(s)

	logging.Debug().Str("room", coord.RoomID()).Str("kind", string(coord.Kind())).
		Str("client", s.clientID).Msg("websocket session started")

	go s.writePump()
	s.readPump()
}
