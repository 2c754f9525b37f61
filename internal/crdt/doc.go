// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

// Package crdt implements the replicated document that backs every room.
//
// A Doc is a container of named sub-structures: collaborative text
// sequences (Text), last-writer-wins maps (Map), and append-only ordered
// lists (List). All mutation, local or remote, flows through idempotent and
// commutative operations, so replicas converge to identical state no matter
// the delivery order, duplication, or interleaving of updates.
//
// Updates are JSON-encoded op batches. ApplyUpdate merges a batch into the
// document; EncodeStateAsUpdate serializes the full current state as one
// batch that reproduces the document when applied to a fresh replica. Two
// converged replicas encode byte-identical state: containers, keys, and
// sequence elements are emitted in a canonical order.
//
// Every mutation carries an origin tag that is handed verbatim to update
// handlers, letting observers distinguish their own writes from remote or
// storage-loaded ones and suppress feedback loops.
package crdt

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// stamp is a Lamport timestamp with a site tie-break. Stamps totally order
// concurrent writes: higher clock wins, equal clocks fall back to site id.
type stamp struct {
	Clock uint64 `json:"c"`
	Site  string `json:"s"`
}

func (a stamp) less(b stamp) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Site < b.Site
}

// Container type discriminators inside ops.
const (
	typeText = "text"
	typeMap  = "map"
	typeList = "list"
)

// Op actions.
const (
	actionInsert = "ins"
	actionDelete = "del"
	actionSet    = "set"
	actionUnset  = "unset"
	actionPush   = "push"
)

// op is a single idempotent mutation. Which fields are populated depends on
// the container type and action.
type op struct {
	Container string          `json:"n"`
	Type      string          `json:"y"`
	Action    string          `json:"a"`
	Char      *seqChar        `json:"ch,omitempty"`
	CharID    *seqID          `json:"id,omitempty"`
	Key       string          `json:"k,omitempty"`
	Value     json.RawMessage `json:"v,omitempty"`
	Stamp     *stamp          `json:"st,omitempty"`
}

// updateEnvelope is the wire form of an update: an ordered op batch.
type updateEnvelope struct {
	Ops []op `json:"ops"`
}

// UpdateHandler receives every applied update with its mutation origin.
// The update bytes are exactly what was applied, never re-derived.
type UpdateHandler func(update []byte, origin any)

// Doc is one replica of a room's shared document.
type Doc struct {
	mu           sync.Mutex
	site         string
	clock        uint64
	texts        map[string]*Text
	maps         map[string]*Map
	lists        map[string]*List
	onUpdate     []UpdateHandler
	lastModified time.Time
	nextObserver int
}

// NewDoc creates an empty document replica with a fresh site id.
func NewDoc() *Doc {
	return &Doc{
		site:         uuid.NewString(),
		texts:        make(map[string]*Text),
		maps:         make(map[string]*Map),
		lists:        make(map[string]*List),
		lastModified: time.Now(),
	}
}

// tick advances the Lamport clock for a local mutation. Caller holds mu.
func (d *Doc) tick() uint64 {
	d.clock++
	return d.clock
}

// witness folds a remote clock value into the local clock. Caller holds mu.
func (d *Doc) witness(c uint64) {
	if c > d.clock {
		d.clock = c
	}
}

// Text returns the named text container, creating it if absent.
func (d *Doc) Text(name string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text(name)
}

func (d *Doc) text(name string) *Text {
	t, ok := d.texts[name]
	if !ok {
		t = newText(d, name)
		d.texts[name] = t
	}
	return t
}

// Map returns the named map container, creating it if absent.
func (d *Doc) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapC(name)
}

func (d *Doc) mapC(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = newMap(d, name)
		d.maps[name] = m
	}
	return m
}

// List returns the named list container, creating it if absent.
func (d *Doc) List(name string) *List {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.list(name)
}

func (d *Doc) list(name string) *List {
	l, ok := d.lists[name]
	if !ok {
		l = newList(d, name)
		d.lists[name] = l
	}
	return l
}

// OnUpdate registers a handler called after every applied update, local or
// remote, with the encoded update and its origin. Handlers run outside the
// document lock.
func (d *Doc) OnUpdate(h UpdateHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUpdate = append(d.onUpdate, h)
}

// ApplyUpdate merges an encoded op batch into the document. origin tags the
// mutation source and is passed through to update handlers. Applying the
// same update twice is a no-op; partial prior application is tolerated.
func (d *Doc) ApplyUpdate(data []byte, origin any) error {
	var env updateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}

	d.mu.Lock()
	events := d.applyOps(env.Ops)
	handlers := append([]UpdateHandler(nil), d.onUpdate...)
	d.lastModified = time.Now()
	d.mu.Unlock()

	d.dispatch(events)
	for _, h := range handlers {
		h(data, origin)
	}
	return nil
}

// commit builds ops under the lock, applies them locally, and notifies
// handlers and observers. Used by the containers' local mutation methods.
func (d *Doc) commit(origin any, build func() []op) ([]byte, error) {
	d.mu.Lock()
	ops := build()
	if len(ops) == 0 {
		d.mu.Unlock()
		return nil, nil
	}
	events := d.applyOps(ops)
	data, err := json.Marshal(updateEnvelope{Ops: ops})
	handlers := append([]UpdateHandler(nil), d.onUpdate...)
	d.lastModified = time.Now()
	d.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	d.dispatch(events)
	for _, h := range handlers {
		h(data, origin)
	}
	return data, nil
}

// docEvent is a container-level change gathered during apply and dispatched
// to observers after the lock is released.
type docEvent struct {
	text *Text
	m    *Map
	ev   MapEvent
}

// applyOps merges ops one by one. Unknown container types or actions are
// skipped; a malformed op must not poison the rest of the batch.
// Caller holds mu.
func (d *Doc) applyOps(ops []op) []docEvent {
	var events []docEvent
	changedTexts := make(map[*Text]bool)

	for i := range ops {
		o := &ops[i]
		if o.Stamp != nil {
			d.witness(o.Stamp.Clock)
		}
		switch o.Type {
		case typeText:
			t := d.text(o.Container)
			switch o.Action {
			case actionInsert:
				if o.Char != nil {
					d.witness(o.Char.ID.Clock)
					if t.applyInsert(*o.Char) {
						changedTexts[t] = true
					}
				}
			case actionDelete:
				if o.CharID != nil {
					if t.applyDelete(*o.CharID) {
						changedTexts[t] = true
					}
				}
			}
		case typeMap:
			m := d.mapC(o.Container)
			if o.Stamp == nil {
				continue
			}
			switch o.Action {
			case actionSet:
				if ev := m.applySet(o.Key, o.Value, *o.Stamp); ev != nil {
					events = append(events, docEvent{m: m, ev: *ev})
				}
			case actionUnset:
				if ev := m.applyUnset(o.Key, *o.Stamp); ev != nil {
					events = append(events, docEvent{m: m, ev: *ev})
				}
			}
		case typeList:
			if o.Action == actionPush && o.Stamp != nil {
				d.list(o.Container).applyPush(*o.Stamp, o.Value)
			}
		}
	}

	for t := range changedTexts {
		events = append(events, docEvent{text: t})
	}
	return events
}

// dispatch fires container observers outside the document lock so an
// observer may freely read document state.
func (d *Doc) dispatch(events []docEvent) {
	for _, e := range events {
		switch {
		case e.text != nil:
			for _, fn := range e.text.observerSnapshot() {
				fn()
			}
		case e.m != nil:
			for _, fn := range e.m.observerSnapshot() {
				fn(e.ev)
			}
		}
	}
}

// EncodeStateAsUpdate serializes the full document state as a single op
// batch in canonical order. Applying the result to an empty replica
// reproduces the state; converged replicas encode identical bytes.
func (d *Doc) EncodeStateAsUpdate() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []op
	for _, name := range sortedKeys(d.texts) {
		ops = append(ops, d.texts[name].stateOps()...)
	}
	for _, name := range sortedKeys(d.maps) {
		ops = append(ops, d.maps[name].stateOps()...)
	}
	for _, name := range sortedKeys(d.lists) {
		ops = append(ops, d.lists[name].stateOps()...)
	}

	data, err := json.Marshal(updateEnvelope{Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// HasContent reports whether any container holds visible state.
func (d *Doc) HasContent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.texts {
		if t.visibleLen() > 0 {
			return true
		}
	}
	for _, m := range d.maps {
		if m.visibleLen() > 0 {
			return true
		}
	}
	for _, l := range d.lists {
		if len(l.entries) > 0 {
			return true
		}
	}
	return false
}

// Size returns the encoded state size in bytes, a rough document size
// metric for the room info endpoint.
func (d *Doc) Size() int {
	data, err := d.EncodeStateAsUpdate()
	if err != nil {
		return 0
	}
	return len(data)
}

// LastModified returns the time of the most recent applied update.
func (d *Doc) LastModified() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastModified
}

// Site returns this replica's site id.
func (d *Doc) Site() string {
	return d.site
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
