// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

// Package room implements the per-room replicated document coordinator:
// one document, one connection registry, and one ephemeral awareness table
// per (room, kind) pair, plus the manager that owns coordinator lifecycle.
//
// A coordinator is the single authority for its document. Every mutation
// arrives through HandleMessage (client updates), through an external
// writer (execution results, preview URL), or from storage at initialize
// time, and each carries a distinguishing origin so re-broadcast and
// re-persistence can tell "mine" from "theirs".
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/collabforge/roomsync/internal/crdt"
	"github.com/collabforge/roomsync/internal/logging"
	"github.com/collabforge/roomsync/internal/metrics"
	"github.com/collabforge/roomsync/internal/models"
	"github.com/collabforge/roomsync/internal/protocol"
	"github.com/collabforge/roomsync/internal/store"
)

// originStorage tags updates applied from a loaded snapshot. They are
// neither re-persisted nor broadcast.
type originStorage struct{}

// originExternal tags server-side writes (execution records, preview URL).
// They persist and broadcast to every connection.
type originExternal struct{}

// OriginStorage is the mutation origin for snapshot loads.
var OriginStorage = originStorage{}

// OriginExternal is the mutation origin for server-side document writes.
var OriginExternal = originExternal{}

// CloseNormal is the WebSocket normal-closure code sent on reset.
const CloseNormal = 1000

// Attachment is a per-document observer owned by the coordinator, disposed
// and recreated whenever the document instance is replaced. The file-sync
// projector is attached this way.
type Attachment interface {
	Dispose()
}

// AttachFunc builds an attachment for a fresh document instance.
type AttachFunc func(doc *crdt.Doc) Attachment

// Coordinator is the single authority for one room's one document kind.
type Coordinator struct {
	roomID string
	kind   models.DocKind
	snaps  store.SnapshotStore

	mu            sync.Mutex
	doc           *crdt.Doc
	conns         *registry
	awareness     map[string]models.Presence
	clientCounter uint64
	lastActivity  time.Time
	destroyed     bool
	attach        AttachFunc
	attachment    Attachment
}

// New creates an uninitialized coordinator. Call Initialize before
// accepting messages. attach may be nil.
func New(roomID string, kind models.DocKind, snaps store.SnapshotStore, attach AttachFunc) *Coordinator {
	return &Coordinator{
		roomID:       roomID,
		kind:         kind,
		snaps:        snaps,
		doc:          crdt.NewDoc(),
		conns:        newRegistry(),
		awareness:    make(map[string]models.Presence),
		lastActivity: time.Now(),
		attach:       attach,
	}
}

// RoomID returns the room id.
func (c *Coordinator) RoomID() string { return c.roomID }

// Kind returns the document kind.
func (c *Coordinator) Kind() models.DocKind { return c.kind }

// Doc returns the current document instance. External writers (execution,
// preview) mutate it with OriginExternal so changes persist and fan out.
func (c *Coordinator) Doc() *crdt.Doc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

func (c *Coordinator) snapshotKey() string {
	return store.Key(c.roomID, string(c.kind))
}

// Initialize loads the prior snapshot, if any, and arms persistence. A
// load failure degrades to an empty document; losing a room's content is
// preferable to refusing to serve it.
func (c *Coordinator) Initialize(ctx context.Context) error {
	data, err := c.snaps.Load(ctx, c.snapshotKey())
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Fresh room.
	case err != nil:
		metrics.SnapshotLoadFailures.Inc()
		logging.Error().Err(err).
			Str("room", c.roomID).Str("kind", string(c.kind)).
			Msg("snapshot load failed, starting empty")
	default:
		if err := c.doc.ApplyUpdate(data, OriginStorage); err != nil {
			metrics.SnapshotLoadFailures.Inc()
			logging.Error().Err(err).
				Str("room", c.roomID).Str("kind", string(c.kind)).
				Msg("snapshot corrupt, starting empty")
			c.mu.Lock()
			c.doc = crdt.NewDoc()
			c.mu.Unlock()
		}
	}

	c.armDoc(c.doc)
	return nil
}

// armDoc registers the persistence-and-broadcast handler on doc and builds
// the attachment. The handler closes over this doc instance: updates from
// a document that has since been replaced by Reset are discarded.
func (c *Coordinator) armDoc(doc *crdt.Doc) {
	doc.OnUpdate(func(update []byte, origin any) {
		if _, ok := origin.(originStorage); ok {
			return
		}
		if c.current() != doc {
			return
		}

		// Rebroadcast the identical bytes: to everyone for external
		// writes, to everyone but the sender for peer updates.
		frame := protocol.Frame{Type: protocol.FrameUpdate, Data: update}
		if sender, ok := origin.(Connection); ok {
			c.broadcastExcept(sender, frame)
		} else {
			c.broadcastExcept(nil, frame)
		}

		// Persist asynchronously; the hot path never waits on storage.
		go c.persist(doc)
	})

	if c.attach != nil {
		c.mu.Lock()
		c.attachment = c.attach(doc)
		c.mu.Unlock()
	}
}

func (c *Coordinator) current() *crdt.Doc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

// persist writes the full current snapshot. Failures are logged; the
// in-memory document stays authoritative.
func (c *Coordinator) persist(doc *crdt.Doc) {
	if c.current() != doc {
		return
	}
	data, err := doc.EncodeStateAsUpdate()
	if err != nil {
		metrics.SnapshotSaves.WithLabelValues("error").Inc()
		logging.Error().Err(err).Str("room", c.roomID).Msg("snapshot encode failed")
		return
	}
	if c.current() != doc {
		return
	}
	if err := c.snaps.Save(context.Background(), c.snapshotKey(), data); err != nil {
		metrics.SnapshotSaves.WithLabelValues("error").Inc()
		logging.Error().Err(err).
			Str("room", c.roomID).Str("kind", string(c.kind)).
			Msg("snapshot save failed")
		return
	}
	metrics.SnapshotSaves.WithLabelValues("ok").Inc()
}

// generateClientID returns a fresh id, unique within this coordinator's
// lifetime. Caller holds mu.
func (c *Coordinator) generateClientID() string {
	c.clientCounter++
	return fmt.Sprintf("client-%d-%d", c.clientCounter, time.Now().UnixMilli())
}

// AddConnection registers a transport connection and returns its client
// id. No presence exists for the client until it sends an awareness frame.
func (c *Coordinator) AddConnection(conn Connection) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.generateClientID()
	c.conns.add(conn, id)
	c.lastActivity = time.Now()
	metrics.ActiveConnections.Inc()
	return id
}

// RemoveConnection unregisters a connection and drops its presence entry.
// Returns the client id so the caller can broadcast the removal; ok is
// false when the connection was unknown (removing twice is harmless and
// triggers no second broadcast).
func (c *Coordinator) RemoveConnection(conn Connection) (string, bool) {
	c.mu.Lock()
	id, ok := c.conns.remove(conn)
	if ok {
		delete(c.awareness, id)
		c.lastActivity = time.Now()
		metrics.ActiveConnections.Dec()
	}
	c.mu.Unlock()
	return id, ok
}

// Disconnect removes the connection and, when it was registered, tells
// every remaining peer to forget its presence.
func (c *Coordinator) Disconnect(conn Connection) {
	id, ok := c.RemoveConnection(conn)
	if !ok {
		return
	}
	c.broadcastExcept(conn, protocol.Frame{
		Type:     protocol.FrameAwarenessRemove,
		ClientID: id,
	})
}

// HandleMessage dispatches one inbound frame. Malformed or unknown frames
// are logged and dropped; they never crash the coordinator or cost the
// sender its connection.
func (c *Coordinator) HandleMessage(conn Connection, frame protocol.Frame, clientID string) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()

	metrics.MessagesReceived.WithLabelValues(frame.Type).Inc()

	switch frame.Type {
	case protocol.FrameSync:
		c.handleSync(conn)

	case protocol.FrameUpdate:
		if len(frame.Data) == 0 {
			metrics.MessagesDropped.WithLabelValues("empty_update").Inc()
			logging.Warn().Str("room", c.roomID).Str("client", clientID).
				Msg("update frame without data")
			return
		}
		if err := c.current().ApplyUpdate(frame.Data, conn); err != nil {
			metrics.MessagesDropped.WithLabelValues("malformed_update").Inc()
			logging.Warn().Err(err).Str("room", c.roomID).Str("client", clientID).
				Msg("dropping malformed update")
		}

	case protocol.FrameAwareness:
		if frame.ClientID == "" || frame.Awareness == nil {
			metrics.MessagesDropped.WithLabelValues("malformed_awareness").Inc()
			return
		}
		c.mu.Lock()
		c.awareness[frame.ClientID] = *frame.Awareness
		c.mu.Unlock()
		c.broadcastExcept(conn, frame)

	case protocol.FrameCursorUpdate:
		if frame.ClientID == "" || frame.Cursor == nil {
			metrics.MessagesDropped.WithLabelValues("malformed_cursor").Inc()
			return
		}
		c.mu.Lock()
		p, known := c.awareness[frame.ClientID]
		if !known {
			c.mu.Unlock()
			metrics.MessagesDropped.WithLabelValues("unknown_presence").Inc()
			logging.Warn().Str("room", c.roomID).Str("client", frame.ClientID).
				Msg("cursor update before awareness, dropping")
			return
		}
		p.Cursor = frame.Cursor
		c.awareness[frame.ClientID] = p
		c.mu.Unlock()
		c.broadcastExcept(conn, frame)

	default:
		metrics.MessagesDropped.WithLabelValues("unknown_type").Inc()
		logging.Warn().Str("room", c.roomID).Str("type", frame.Type).
			Msg("unknown message type")
	}
}

// handleSync replies with the full document snapshot and the complete
// current presence table. Initial sync is pull-based: nothing is pushed
// until the client asks.
func (c *Coordinator) handleSync(conn Connection) {
	snapshot, err := c.current().EncodeStateAsUpdate()
	if err != nil {
		logging.Error().Err(err).Str("room", c.roomID).Msg("snapshot encode for sync failed")
		return
	}
	if err := conn.Send(protocol.Frame{Type: protocol.FrameSync, Data: snapshot}); err != nil {
		c.evict(conn)
		return
	}

	c.mu.Lock()
	states := make(map[string]models.Presence, len(c.awareness))
	for id, p := range c.awareness {
		states[id] = p
	}
	c.mu.Unlock()

	if err := conn.Send(protocol.Frame{Type: protocol.FrameAwarenessSync, States: states}); err != nil {
		c.evict(conn)
	}
}

// broadcastExcept fans frame out to every registered connection except
// the given one. A failed send never aborts the loop; dead connections
// are evicted afterwards.
func (c *Coordinator) broadcastExcept(except Connection, frame protocol.Frame) {
	c.mu.Lock()
	targets := c.conns.connections()
	c.mu.Unlock()

	var dead []Connection
	for _, conn := range targets {
		if conn == except {
			continue
		}
		if err := conn.Send(frame); err != nil {
			metrics.BroadcastFailures.Inc()
			dead = append(dead, conn)
			continue
		}
		metrics.BroadcastsSent.Inc()
	}
	for _, conn := range dead {
		c.evict(conn)
	}
}

// evict lazily removes a connection whose transport failed, broadcasting
// its presence removal to the survivors.
func (c *Coordinator) evict(conn Connection) {
	id, ok := c.RemoveConnection(conn)
	if !ok {
		return
	}
	logging.Debug().Str("room", c.roomID).Str("client", id).
		Msg("evicting dead connection")
	c.broadcastExcept(conn, protocol.Frame{
		Type:     protocol.FrameAwarenessRemove,
		ClientID: id,
	})
}

// Reset discards the document and presence table, closes every live
// connection with a normal-closure frame, deletes the persisted snapshot,
// and re-arms persistence on a fresh document. In-flight work captured
// against the old document instance is discarded by the instance check in
// armDoc's handler.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.mu.Lock()
	old := c.conns.connections()
	if c.attachment != nil {
		c.attachment.Dispose()
		c.attachment = nil
	}
	c.doc = crdt.NewDoc()
	c.conns = newRegistry()
	c.awareness = make(map[string]models.Presence)
	c.lastActivity = time.Now()
	doc := c.doc
	c.mu.Unlock()

	for _, conn := range old {
		conn.Close(CloseNormal, "room reset")
		metrics.ActiveConnections.Dec()
	}

	if err := c.snaps.Delete(ctx, c.snapshotKey()); err != nil {
		logging.Error().Err(err).
			Str("room", c.roomID).Str("kind", string(c.kind)).
			Msg("snapshot delete on reset failed")
	}

	c.armDoc(doc)
	logging.Info().Str("room", c.roomID).Str("kind", string(c.kind)).
		Int("closed", len(old)).Msg("room reset")
	return nil
}

// Destroy frees the coordinator. No messages are accepted afterwards.
// Called by the manager when evicting an idle room; the snapshot stays so
// the room reloads on the next connection.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	old := c.conns.connections()
	if c.attachment != nil {
		c.attachment.Dispose()
		c.attachment = nil
	}
	c.conns = newRegistry()
	c.awareness = make(map[string]models.Presence)
	c.mu.Unlock()

	for _, conn := range old {
		conn.Close(CloseNormal, "room closed")
		metrics.ActiveConnections.Dec()
	}
}

// Alarm is the periodic idle hook. It reports whether the coordinator is
// evictable: destroyed coordinators never are, live ones are once no
// connection has been seen for idleTimeout.
func (c *Coordinator) Alarm(now time.Time, idleTimeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return false
	}
	return c.conns.len() == 0 && now.Sub(c.lastActivity) > idleTimeout
}

// ConnectionCount returns the number of live connections.
func (c *Coordinator) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns.len()
}

// Info returns the room info DTO for the control API.
func (c *Coordinator) Info() models.RoomInfo {
	doc := c.current()
	return models.RoomInfo{
		RoomID:       c.roomID,
		Kind:         c.kind,
		Connections:  c.ConnectionCount(),
		DocSize:      doc.Size(),
		LastModified: doc.LastModified(),
	}
}

// Status returns the room status DTO for the control API.
func (c *Coordinator) Status() models.RoomStatus {
	n := c.ConnectionCount()
	return models.RoomStatus{
		Connected:   n > 0,
		Connections: n,
		HasContent:  c.current().HasContent(),
	}
}
