// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/collabforge/roomsync/internal/crdt"
	"github.com/collabforge/roomsync/internal/logging"
	"github.com/collabforge/roomsync/internal/metrics"
	"github.com/collabforge/roomsync/internal/models"
	"github.com/collabforge/roomsync/internal/store"
)

// AttachmentFactory builds the per-document attachment for a given room.
// Returning nil means no attachment for that (room, kind).
type AttachmentFactory func(roomID string, kind models.DocKind, doc *crdt.Doc) Attachment

// Manager owns every live coordinator, keyed by (room, kind), creating
// them lazily on first request and evicting them when idle.
type Manager struct {
	mu          sync.Mutex
	snaps       store.SnapshotStore
	rooms       map[string]*Coordinator
	factory     AttachmentFactory
	idleTimeout time.Duration
}

// NewManager creates a manager. factory may be nil.
func NewManager(snaps store.SnapshotStore, factory AttachmentFactory, idleTimeout time.Duration) *Manager {
	return &Manager{
		snaps:       snaps,
		rooms:       make(map[string]*Coordinator),
		factory:     factory,
		idleTimeout: idleTimeout,
	}
}

func roomKey(roomID string, kind models.DocKind) string {
	return roomID + "/" + string(kind)
}

// GetOrCreate returns the coordinator for (roomID, kind), creating and
// initializing it on first use.
func (m *Manager) GetOrCreate(ctx context.Context, roomID string, kind models.DocKind) (*Coordinator, error) {
	if !models.ValidKind(kind) {
		return nil, fmt.Errorf("unknown document kind %q", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := roomKey(roomID, kind)
	if c, ok := m.rooms[key]; ok {
		return c, nil
	}

	var attach AttachFunc
	if m.factory != nil {
		attach = func(doc *crdt.Doc) Attachment {
			return m.factory(roomID, kind, doc)
		}
	}

	c := New(roomID, kind, m.snaps, attach)
	if err := c.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize room %s/%s: %w", roomID, kind, err)
	}
	m.rooms[key] = c
	metrics.ActiveRooms.Set(float64(len(m.rooms)))
	logging.Info().Str("room", roomID).Str("kind", string(kind)).
		Msg("coordinator created")
	return c, nil
}

// Get returns an existing coordinator without creating one.
func (m *Manager) Get(roomID string, kind models.DocKind) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rooms[roomKey(roomID, kind)]
	return c, ok
}

// Sweep runs each coordinator's idle alarm and destroys the evictable
// ones. Returns the number evicted. Called periodically by the janitor.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var evict []*Coordinator
	var keys []string
	for key, c := range m.rooms {
		if c.Alarm(now, m.idleTimeout) {
			evict = append(evict, c)
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		delete(m.rooms, key)
	}
	metrics.ActiveRooms.Set(float64(len(m.rooms)))
	m.mu.Unlock()

	for _, c := range evict {
		c.Destroy()
		logging.Info().Str("room", c.RoomID()).Str("kind", string(c.Kind())).
			Msg("idle coordinator evicted")
	}
	return len(evict)
}

// CloseAll destroys every coordinator. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Coordinator, 0, len(m.rooms))
	for _, c := range m.rooms {
		all = append(all, c)
	}
	m.rooms = make(map[string]*Coordinator)
	metrics.ActiveRooms.Set(0)
	m.mu.Unlock()

	for _, c := range all {
		c.Destroy()
	}
}

// Count returns the number of live coordinators.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
