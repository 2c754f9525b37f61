// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

package crdt

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestTextInsertDelete(t *testing.T) {
	doc := NewDoc()
	code := doc.Text("code")

	if err := code.Insert(0, "hello", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := code.Insert(5, " world", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := code.String(); got != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got)
	}

	if err := code.Delete(0, 6, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := code.String(); got != "world" {
		t.Errorf("expected %q, got %q", "world", got)
	}
	if code.Len() != 5 {
		t.Errorf("expected len 5, got %d", code.Len())
	}
}

func TestTextInsertMiddle(t *testing.T) {
	doc := NewDoc()
	txt := doc.Text("code")

	if err := txt.Insert(0, "ac", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := txt.Insert(1, "b", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := txt.String(); got != "abc" {
		t.Errorf("expected %q, got %q", "abc", got)
	}
}

func TestTextSetString(t *testing.T) {
	doc := NewDoc()
	lang := doc.Text("language")

	if err := lang.SetString("python", nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := lang.SetString("go", nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := lang.String(); got != "go" {
		t.Errorf("expected %q, got %q", "go", got)
	}
}

// collectUpdates subscribes to a doc and returns a pointer to the growing
// slice of updates it produces.
func collectUpdates(doc *Doc) *[][]byte {
	var updates [][]byte
	doc.OnUpdate(func(update []byte, origin any) {
		cp := make([]byte, len(update))
		copy(cp, update)
		updates = append(updates, cp)
	})
	return &updates
}

func TestConvergenceUnderPermutedDelivery(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		a := NewDoc()
		b := NewDoc()
		updatesA := collectUpdates(a)
		updatesB := collectUpdates(b)

		// Random concurrent edit sequences on both replicas.
		alphabet := "abcdefghij"
		for i := 0; i < 30; i++ {
			doc, txt := a, a.Text("code")
			if rng.Intn(2) == 0 {
				doc, txt = b, b.Text("code")
			}
			_ = doc
			l := txt.Len()
			if l > 0 && rng.Intn(3) == 0 {
				if err := txt.Delete(rng.Intn(l), 1, nil); err != nil {
					t.Fatalf("delete: %v", err)
				}
				continue
			}
			ch := string(alphabet[rng.Intn(len(alphabet))])
			if err := txt.Insert(rng.Intn(l+1), ch, nil); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}

		// Deliver each side's updates to the other in a random order,
		// with some duplicates mixed in.
		deliver := func(dst *Doc, updates [][]byte) {
			order := rng.Perm(len(updates))
			for _, i := range order {
				if err := dst.ApplyUpdate(updates[i], "remote"); err != nil {
					t.Fatalf("apply: %v", err)
				}
				if rng.Intn(4) == 0 {
					if err := dst.ApplyUpdate(updates[i], "remote"); err != nil {
						t.Fatalf("apply dup: %v", err)
					}
				}
			}
		}
		deliver(b, *updatesA)
		deliver(a, *updatesB)

		if a.Text("code").String() != b.Text("code").String() {
			t.Fatalf("trial %d: replicas diverged: %q vs %q",
				trial, a.Text("code").String(), b.Text("code").String())
		}

		encA, err := a.EncodeStateAsUpdate()
		if err != nil {
			t.Fatalf("encode a: %v", err)
		}
		encB, err := b.EncodeStateAsUpdate()
		if err != nil {
			t.Fatalf("encode b: %v", err)
		}
		if !bytes.Equal(encA, encB) {
			t.Fatalf("trial %d: converged replicas encode differently", trial)
		}
	}
}

func TestEncodeStateRoundTrip(t *testing.T) {
	doc := NewDoc()
	if err := doc.Text("code").Insert(0, "package main", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := doc.Map("fs").Set("f1", map[string]string{"name": "main.go"}, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := doc.List("executionHistory").Push(map[string]int{"exitCode": 0}, nil); err != nil {
		t.Fatalf("push: %v", err)
	}
	// A deleted key leaves a tombstone that must survive the round trip.
	if err := doc.Map("fs").Set("f2", "x", nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := doc.Map("fs").Delete("f2", nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	snapshot, err := doc.EncodeStateAsUpdate()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	fresh := NewDoc()
	if err := fresh.ApplyUpdate(snapshot, "load"); err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}

	reEncoded, err := fresh.EncodeStateAsUpdate()
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(snapshot, reEncoded) {
		t.Error("snapshot round trip changed encoded state")
	}
	if got := fresh.Text("code").String(); got != "package main" {
		t.Errorf("expected %q, got %q", "package main", got)
	}
	if _, ok := fresh.Map("fs").Get("f2"); ok {
		t.Error("deleted key visible after round trip")
	}
}

func TestDeleteBeforeInsertCommutes(t *testing.T) {
	a := NewDoc()
	updatesA := collectUpdates(a)
	if err := a.Text("code").Insert(0, "x", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := a.Text("code").Delete(0, 1, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Deliver delete before insert.
	b := NewDoc()
	for i := len(*updatesA) - 1; i >= 0; i-- {
		if err := b.ApplyUpdate((*updatesA)[i], "remote"); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if got := b.Text("code").String(); got != "" {
		t.Errorf("expected empty text, got %q", got)
	}
}

func TestMapLastWriterWins(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	updatesA := collectUpdates(a)
	updatesB := collectUpdates(b)

	if err := a.Map("fs").Set("k", "from-a", nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := b.Map("fs").Set("k", "from-b", nil); err != nil {
		t.Fatalf("set: %v", err)
	}

	for _, u := range *updatesB {
		if err := a.ApplyUpdate(u, "remote"); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	for _, u := range *updatesA {
		if err := b.ApplyUpdate(u, "remote"); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	va, _ := a.Map("fs").Get("k")
	vb, _ := b.Map("fs").Get("k")
	if !bytes.Equal(va, vb) {
		t.Errorf("map diverged: %s vs %s", va, vb)
	}
}

func TestMapObserverEvents(t *testing.T) {
	doc := NewDoc()
	fs := doc.Map("fs")

	var events []MapEvent
	fs.Observe(func(ev MapEvent) {
		events = append(events, ev)
	})

	if err := fs.Set("f1", "v1", nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := fs.Set("f1", "v2", nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := fs.Delete("f1", nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Action != MapAdd {
		t.Errorf("expected add, got %s", events[0].Action)
	}
	if events[1].Action != MapUpdate {
		t.Errorf("expected update, got %s", events[1].Action)
	}
	if events[2].Action != MapDelete {
		t.Errorf("expected delete, got %s", events[2].Action)
	}
	if string(events[2].OldValue) != `"v2"` {
		t.Errorf("delete event lost old value: %s", events[2].OldValue)
	}
}

func TestTextObserveUnobserve(t *testing.T) {
	doc := NewDoc()
	txt := doc.Text("code")

	fired := 0
	h := txt.Observe(func() { fired++ })

	if err := txt.Insert(0, "a", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 notification, got %d", fired)
	}

	txt.Unobserve(h)
	if err := txt.Insert(0, "b", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if fired != 1 {
		t.Errorf("observer fired after Unobserve")
	}
}

func TestListOrderAndDedup(t *testing.T) {
	a := NewDoc()
	updatesA := collectUpdates(a)

	for i := 0; i < 3; i++ {
		if err := a.List("executionHistory").Push(i, nil); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	b := NewDoc()
	// Reverse order plus duplicates.
	for i := len(*updatesA) - 1; i >= 0; i-- {
		if err := b.ApplyUpdate((*updatesA)[i], "remote"); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if err := b.ApplyUpdate((*updatesA)[i], "remote"); err != nil {
			t.Fatalf("apply dup: %v", err)
		}
	}

	if b.List("executionHistory").Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", b.List("executionHistory").Len())
	}
	vals := b.List("executionHistory").Values()
	for i, v := range vals {
		if string(v) != string(rune('0'+i)) {
			t.Errorf("entry %d out of order: %s", i, v)
		}
	}
}

func TestUpdateHandlerOrigin(t *testing.T) {
	doc := NewDoc()
	var origins []any
	doc.OnUpdate(func(update []byte, origin any) {
		origins = append(origins, origin)
	})

	if err := doc.Text("code").Insert(0, "x", "local-origin"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := doc.ApplyUpdate([]byte(`{"ops":[]}`), "remote-origin"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(origins) != 2 || origins[0] != "local-origin" || origins[1] != "remote-origin" {
		t.Errorf("origins not propagated: %v", origins)
	}
}

func TestHasContent(t *testing.T) {
	doc := NewDoc()
	if doc.HasContent() {
		t.Error("fresh doc should have no content")
	}
	if err := doc.Text("code").Insert(0, "x", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !doc.HasContent() {
		t.Error("doc with text should have content")
	}
	if err := doc.Text("code").Delete(0, 1, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if doc.HasContent() {
		t.Error("doc with only tombstones should have no content")
	}
}

func TestApplyUpdateMalformed(t *testing.T) {
	doc := NewDoc()
	if err := doc.ApplyUpdate([]byte("not json"), nil); err == nil {
		t.Error("expected error for malformed update")
	}
}
