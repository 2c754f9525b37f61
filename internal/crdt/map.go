// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

package crdt

import (
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

// MapAction classifies a map change as seen by observers.
type MapAction string

const (
	MapAdd    MapAction = "add"
	MapUpdate MapAction = "update"
	MapDelete MapAction = "delete"
)

// MapEvent describes one applied, visible map change. OldValue carries the
// previous value so a delete observer can still inspect what was removed.
type MapEvent struct {
	Action   MapAction
	Key      string
	Value    json.RawMessage
	OldValue json.RawMessage
}

// mapEntry is a last-writer-wins register. Deleted entries stay as
// tombstones so set/unset commute across replicas.
type mapEntry struct {
	value   json.RawMessage
	stamp   stamp
	deleted bool
}

// Map is a last-writer-wins key/value container within a Doc. Values are
// opaque JSON.
type Map struct {
	doc       *Doc
	name      string
	entries   map[string]mapEntry
	observers map[int]func(MapEvent)
}

func newMap(d *Doc, name string) *Map {
	return &Map{
		doc:       d,
		name:      name,
		entries:   make(map[string]mapEntry),
		observers: make(map[int]func(MapEvent)),
	}
}

// applySet merges a set op. A write loses to any existing entry with an
// equal or newer stamp, which also makes replayed ops no-ops.
// Returns the visible event, if any. Caller holds doc.mu.
func (m *Map) applySet(key string, value json.RawMessage, st stamp) *MapEvent {
	existing, ok := m.entries[key]
	if ok && !existing.stamp.less(st) {
		return nil
	}
	m.entries[key] = mapEntry{value: value, stamp: st}
	if !ok || existing.deleted {
		return &MapEvent{Action: MapAdd, Key: key, Value: value}
	}
	return &MapEvent{Action: MapUpdate, Key: key, Value: value, OldValue: existing.value}
}

// applyUnset merges a delete op. Caller holds doc.mu.
func (m *Map) applyUnset(key string, st stamp) *MapEvent {
	existing, ok := m.entries[key]
	if ok && !existing.stamp.less(st) {
		return nil
	}
	m.entries[key] = mapEntry{stamp: st, deleted: true}
	if !ok || existing.deleted {
		return nil
	}
	return &MapEvent{Action: MapDelete, Key: key, OldValue: existing.value}
}

// Get returns the raw value for key, if present and not deleted.
func (m *Map) Get(key string) (json.RawMessage, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return e.value, true
}

// GetInto unmarshals the value for key into out.
func (m *Map) GetInto(key string, out any) (bool, error) {
	raw, ok := m.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode map value %q/%q: %w", m.name, key, err)
	}
	return true, nil
}

// Set writes key to value as a local mutation tagged with origin.
func (m *Map) Set(key string, value any, origin any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode map value %q/%q: %w", m.name, key, err)
	}
	_, err = m.doc.commit(origin, func() []op {
		st := stamp{Clock: m.doc.tick(), Site: m.doc.site}
		return []op{{
			Container: m.name,
			Type:      typeMap,
			Action:    actionSet,
			Key:       key,
			Value:     raw,
			Stamp:     &st,
		}}
	})
	return err
}

// Delete removes key as a local mutation tagged with origin.
func (m *Map) Delete(key string, origin any) error {
	_, err := m.doc.commit(origin, func() []op {
		st := stamp{Clock: m.doc.tick(), Site: m.doc.site}
		return []op{{
			Container: m.name,
			Type:      typeMap,
			Action:    actionUnset,
			Key:       key,
			Stamp:     &st,
		}}
	})
	return err
}

// Keys returns the visible keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of visible entries.
func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.visibleLen()
}

func (m *Map) visibleLen() int {
	n := 0
	for _, e := range m.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Observe registers fn for visible map changes. Returns a handle for
// Unobserve. fn runs outside the document lock.
func (m *Map) Observe(fn func(MapEvent)) int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	m.doc.nextObserver++
	h := m.doc.nextObserver
	m.observers[h] = fn
	return h
}

// Unobserve removes a previously registered observer.
func (m *Map) Unobserve(handle int) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	delete(m.observers, handle)
}

func (m *Map) observerSnapshot() []func(MapEvent) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	out := make([]func(MapEvent), 0, len(m.observers))
	for _, fn := range m.observers {
		out = append(out, fn)
	}
	return out
}

// stateOps emits every entry, tombstones included, keys sorted.
// Caller holds doc.mu.
func (m *Map) stateOps() []op {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ops := make([]op, 0, len(keys))
	for _, k := range keys {
		e := m.entries[k]
		st := e.stamp
		if e.deleted {
			ops = append(ops, op{
				Container: m.name,
				Type:      typeMap,
				Action:    actionUnset,
				Key:       k,
				Stamp:     &st,
			})
			continue
		}
		ops = append(ops, op{
			Container: m.name,
			Type:      typeMap,
			Action:    actionSet,
			Key:       k,
			Value:     e.value,
			Stamp:     &st,
		})
	}
	return ops
}

// Name returns the container name.
func (m *Map) Name() string {
	return m.name
}
