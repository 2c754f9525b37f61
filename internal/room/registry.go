// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

package room

import "github.com/collabforge/roomsync/internal/protocol"

// Connection abstracts the transport session a coordinator talks to. The
// WebSocket gateway provides the production implementation; tests use
// in-memory fakes.
//
// Send must be non-blocking: enqueue or fail. A Send error marks the
// connection dead and the coordinator lazily evicts it.
type Connection interface {
	Send(frame protocol.Frame) error
	Close(code int, reason string)
}

// registry is the bidirectional map between live connections and their
// generated client ids. It carries no lock of its own; the owning
// coordinator serializes access.
type registry struct {
	byConn map[Connection]string
	byID   map[string]Connection
}

func newRegistry() *registry {
	return &registry{
		byConn: make(map[Connection]string),
		byID:   make(map[string]Connection),
	}
}

func (r *registry) add(conn Connection, clientID string) {
	r.byConn[conn] = clientID
	r.byID[clientID] = conn
}

// remove deletes the mapping and returns the client id, or ok=false when
// the connection was never registered (or already removed).
func (r *registry) remove(conn Connection) (string, bool) {
	id, ok := r.byConn[conn]
	if !ok {
		return "", false
	}
	delete(r.byConn, conn)
	delete(r.byID, id)
	return id, true
}

func (r *registry) len() int {
	return len(r.byConn)
}

func (r *registry) connections() []Connection {
	out := make([]Connection, 0, len(r.byConn))
	for c := range r.byConn {
		out = append(out, c)
	}
	return out
}
