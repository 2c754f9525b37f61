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

// listEntry is one appended element. The stamp both deduplicates replayed
// pushes and totally orders entries across replicas.
type listEntry struct {
	stamp stamp
	value json.RawMessage
}

// List is an append-only ordered container within a Doc, used for the
// execution history. Entries sort by stamp, so replicas agree on order
// without coordination.
type List struct {
	doc     *Doc
	name    string
	entries []listEntry
	seen    map[stamp]bool
}

func newList(d *Doc, name string) *List {
	return &List{
		doc:  d,
		name: name,
		seen: make(map[stamp]bool),
	}
}

// applyPush merges one entry; duplicates are no-ops. Caller holds doc.mu.
func (l *List) applyPush(st stamp, value json.RawMessage) bool {
	if l.seen[st] {
		return false
	}
	l.seen[st] = true
	i := sort.Search(len(l.entries), func(i int) bool {
		return st.less(l.entries[i].stamp)
	})
	l.entries = append(l.entries, listEntry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = listEntry{stamp: st, value: value}
	return true
}

// Push appends value as a local mutation tagged with origin.
func (l *List) Push(value any, origin any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode list value %q: %w", l.name, err)
	}
	_, err = l.doc.commit(origin, func() []op {
		st := stamp{Clock: l.doc.tick(), Site: l.doc.site}
		return []op{{
			Container: l.name,
			Type:      typeList,
			Action:    actionPush,
			Value:     raw,
			Stamp:     &st,
		}}
	})
	return err
}

// Len returns the number of entries.
func (l *List) Len() int {
	l.doc.mu.Lock()
	defer l.doc.mu.Unlock()
	return len(l.entries)
}

// Values returns the raw entries in list order.
func (l *List) Values() []json.RawMessage {
	l.doc.mu.Lock()
	defer l.doc.mu.Unlock()
	out := make([]json.RawMessage, len(l.entries))
	for i := range l.entries {
		out[i] = l.entries[i].value
	}
	return out
}

// stateOps emits every entry in list order. Caller holds doc.mu.
func (l *List) stateOps() []op {
	ops := make([]op, 0, len(l.entries))
	for i := range l.entries {
		st := l.entries[i].stamp
		ops = append(ops, op{
			Container: l.name,
			Type:      typeList,
			Action:    actionPush,
			Value:     l.entries[i].value,
			Stamp:     &st,
		})
	}
	return ops
}

// Name returns the container name.
func (l *List) Name() string {
	return l.name
}
