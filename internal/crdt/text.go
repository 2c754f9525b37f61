// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

package crdt

import "sort"

// posBase is the digit radix for position identifiers. Positions are
// variable-depth digit vectors compared lexicographically; allocation
// between dense neighbors descends a level, Logoot style.
const posBase = 1 << 16

// seqID uniquely identifies one inserted character across all replicas.
type seqID struct {
	Site  string `json:"s"`
	Clock uint64 `json:"c"`
}

// seqChar is one element of a text sequence. Deleted characters stay in
// place as tombstones so concurrent deletes and inserts commute.
type seqChar struct {
	ID  seqID    `json:"id"`
	Pos []uint64 `json:"p"`
	Val string   `json:"v"`
	Del bool     `json:"d,omitempty"`
}

// charLess is the total order on sequence elements: position vector first
// (lexicographic, shorter prefix sorts before longer), then site, then
// clock. Identical on every replica, which is what makes merge order-free.
func charLess(a, b *seqChar) bool {
	na, nb := len(a.Pos), len(b.Pos)
	n := na
	if nb < n {
		n = nb
	}
	for i := 0; i < n; i++ {
		if a.Pos[i] != b.Pos[i] {
			return a.Pos[i] < b.Pos[i]
		}
	}
	if na != nb {
		return na < nb
	}
	if a.ID.Site != b.ID.Site {
		return a.ID.Site < b.ID.Site
	}
	return a.ID.Clock < b.ID.Clock
}

// posBetween allocates a position strictly between p and n. nil means the
// corresponding boundary of the sequence. When a level has no room the
// allocation descends into p's subtree, at which point the upper bound
// becomes unbounded.
func posBetween(p, n []uint64) []uint64 {
	var out []uint64
	for depth := 0; ; depth++ {
		var pd, nd uint64
		if depth < len(p) {
			pd = p[depth]
		}
		if n == nil || depth >= len(n) {
			nd = posBase
		} else {
			nd = n[depth]
		}
		switch {
		case nd > pd+1:
			return append(out, pd+1)
		case nd == pd+1:
			out = append(out, pd)
			n = nil
		default:
			out = append(out, pd)
		}
	}
}

// Text is a collaborative character sequence within a Doc.
type Text struct {
	doc       *Doc
	name      string
	chars     []seqChar
	index     map[seqID]int
	deleted   map[seqID]bool // delete-before-insert tombstones
	observers map[int]func()
}

func newText(d *Doc, name string) *Text {
	return &Text{
		doc:       d,
		name:      name,
		index:     make(map[seqID]int),
		deleted:   make(map[seqID]bool),
		observers: make(map[int]func()),
	}
}

// applyInsert merges one character. Re-insertion of a known id is a no-op;
// an id already tombstoned by an earlier delete arrives dead.
// Returns true when visible content changed. Caller holds doc.mu.
func (t *Text) applyInsert(ch seqChar) bool {
	if _, ok := t.index[ch.ID]; ok {
		return false
	}
	if t.deleted[ch.ID] {
		ch.Del = true
		delete(t.deleted, ch.ID)
	}
	i := sort.Search(len(t.chars), func(i int) bool {
		return charLess(&ch, &t.chars[i])
	})
	t.chars = append(t.chars, seqChar{})
	copy(t.chars[i+1:], t.chars[i:])
	t.chars[i] = ch
	for j := i; j < len(t.chars); j++ {
		t.index[t.chars[j].ID] = j
	}
	return !ch.Del
}

// applyDelete tombstones a character by id. Deleting an id that has not
// arrived yet is remembered so the eventual insert lands dead.
// Returns true when visible content changed. Caller holds doc.mu.
func (t *Text) applyDelete(id seqID) bool {
	if i, ok := t.index[id]; ok {
		if t.chars[i].Del {
			return false
		}
		t.chars[i].Del = true
		return true
	}
	t.deleted[id] = true
	return false
}

// visibleLen counts non-tombstone characters. Caller holds doc.mu.
func (t *Text) visibleLen() int {
	n := 0
	for i := range t.chars {
		if !t.chars[i].Del {
			n++
		}
	}
	return n
}

// visibleAt returns the slice index of the idx-th visible character, or -1.
// Caller holds doc.mu.
func (t *Text) visibleAt(idx int) int {
	seen := 0
	for i := range t.chars {
		if t.chars[i].Del {
			continue
		}
		if seen == idx {
			return i
		}
		seen++
	}
	return -1
}

// String returns the current visible content.
func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.stringLocked()
}

func (t *Text) stringLocked() string {
	buf := make([]byte, 0, len(t.chars))
	for i := range t.chars {
		if !t.chars[i].Del {
			buf = append(buf, t.chars[i].Val...)
		}
	}
	return string(buf)
}

// Len returns the number of visible characters.
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.visibleLen()
}

// Insert inserts s at the given visible index as a local mutation tagged
// with origin. Out-of-range indexes clamp to the nearest end.
func (t *Text) Insert(index int, s string, origin any) error {
	if s == "" {
		return nil
	}
	_, err := t.doc.commit(origin, func() []op {
		return t.insertOps(index, s)
	})
	return err
}

// insertOps builds insert ops for s at index. Caller holds doc.mu.
func (t *Text) insertOps(index int, s string) []op {
	vis := t.visibleLen()
	if index < 0 {
		index = 0
	}
	if index > vis {
		index = vis
	}

	var left, right []uint64
	if index > 0 {
		left = t.chars[t.visibleAt(index-1)].Pos
	}
	if index < vis {
		right = t.chars[t.visibleAt(index)].Pos
	}

	runes := []rune(s)
	ops := make([]op, 0, len(runes))
	for _, r := range runes {
		pos := posBetween(left, right)
		ch := seqChar{
			ID:  seqID{Site: t.doc.site, Clock: t.doc.tick()},
			Pos: pos,
			Val: string(r),
		}
		ops = append(ops, op{
			Container: t.name,
			Type:      typeText,
			Action:    actionInsert,
			Char:      &ch,
		})
		left = pos
	}
	return ops
}

// Delete removes length visible characters starting at index, as a local
// mutation tagged with origin.
func (t *Text) Delete(index, length int, origin any) error {
	if length <= 0 {
		return nil
	}
	_, err := t.doc.commit(origin, func() []op {
		return t.deleteOps(index, length)
	})
	return err
}

// deleteOps builds delete ops for the visible range. Caller holds doc.mu.
func (t *Text) deleteOps(index, length int) []op {
	var ops []op
	seen := 0
	for i := range t.chars {
		if t.chars[i].Del {
			continue
		}
		if seen >= index && seen < index+length {
			id := t.chars[i].ID
			ops = append(ops, op{
				Container: t.name,
				Type:      typeText,
				Action:    actionDelete,
				CharID:    &id,
			})
		}
		seen++
	}
	return ops
}

// SetString replaces the whole content with s. Used for single-value
// containers such as the active language or the preview URL.
func (t *Text) SetString(s string, origin any) error {
	_, err := t.doc.commit(origin, func() []op {
		if t.stringLocked() == s {
			return nil
		}
		ops := t.deleteOps(0, t.visibleLen())
		return append(ops, t.insertOps(0, s)...)
	})
	return err
}

// Observe registers fn to run after any change to this text's visible
// content. Returns a handle for Unobserve. fn runs outside the document
// lock and may read document state.
func (t *Text) Observe(fn func()) int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	t.doc.nextObserver++
	h := t.doc.nextObserver
	t.observers[h] = fn
	return h
}

// Unobserve removes a previously registered observer.
func (t *Text) Unobserve(handle int) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	delete(t.observers, handle)
}

func (t *Text) observerSnapshot() []func() {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	out := make([]func(), 0, len(t.observers))
	for _, fn := range t.observers {
		out = append(out, fn)
	}
	return out
}

// stateOps emits the full sequence, tombstones included, in document
// order. Caller holds doc.mu.
func (t *Text) stateOps() []op {
	ops := make([]op, 0, len(t.chars)+len(t.deleted))
	for i := range t.chars {
		ch := t.chars[i]
		ops = append(ops, op{
			Container: t.name,
			Type:      typeText,
			Action:    actionInsert,
			Char:      &ch,
		})
	}
	// Tombstones whose insert never arrived here still matter to a replica
	// that may yet see that insert.
	ids := make([]seqID, 0, len(t.deleted))
	for id := range t.deleted {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Site != ids[j].Site {
			return ids[i].Site < ids[j].Site
		}
		return ids[i].Clock < ids[j].Clock
	})
	for i := range ids {
		id := ids[i]
		ops = append(ops, op{
			Container: t.name,
			Type:      typeText,
			Action:    actionDelete,
			CharID:    &id,
		})
	}
	return ops
}

// Name returns the container name.
func (t *Text) Name() string {
	return t.name
}
