// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

package room

import (
	"context"
	"testing"
	"time"

	"github.com/collabforge/roomsync/internal/crdt"
	"github.com/collabforge/roomsync/internal/models"
)

type countingAttachment struct{ disposed *int }

func (a countingAttachment) Dispose() { *a.disposed++ }

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager(newSpyStore(), nil, time.Hour)

	c1, err := m.GetOrCreate(context.Background(), "interview-7", models.KindCode)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	c2, err := m.GetOrCreate(context.Background(), "interview-7", models.KindCode)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if c1 != c2 {
		t.Error("same (room, kind) produced distinct coordinators")
	}

	other, err := m.GetOrCreate(context.Background(), "interview-7", models.KindNotes)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if other == c1 {
		t.Error("distinct kinds share a coordinator")
	}
	if m.Count() != 2 {
		t.Errorf("Count = %d, want 2", m.Count())
	}

	if _, ok := m.Get("interview-7", models.KindCode); !ok {
		t.Error("Get missed a live coordinator")
	}
	if _, ok := m.Get("nope", models.KindCode); ok {
		t.Error("Get found a coordinator that was never created")
	}
}

func TestManagerRejectsUnknownKind(t *testing.T) {
	m := NewManager(newSpyStore(), nil, time.Hour)
	if _, err := m.GetOrCreate(context.Background(), "r", models.DocKind("spreadsheet")); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func TestManagerSweepEvictsIdleAndReloads(t *testing.T) {
	snaps := newSpyStore()
	m := NewManager(snaps, nil, 30*time.Minute)

	c, err := m.GetOrCreate(context.Background(), "interview-7", models.KindCode)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := c.Doc().Text("content").SetString("keep me", OriginExternal); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	snaps.waitSave(t)

	if n := m.Sweep(time.Now()); n != 0 {
		t.Fatalf("Sweep evicted %d active rooms", n)
	}
	if n := m.Sweep(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("Sweep evicted %d, want 1", n)
	}
	if m.Count() != 0 {
		t.Errorf("Count = %d after sweep, want 0", m.Count())
	}

	// Eviction keeps the snapshot; the next visit reloads it.
	reloaded, err := m.GetOrCreate(context.Background(), "interview-7", models.KindCode)
	if err != nil {
		t.Fatalf("GetOrCreate after sweep: %v", err)
	}
	if got := reloaded.Doc().Text("content").String(); got != "keep me" {
		t.Errorf("reloaded text = %q, want %q", got, "keep me")
	}
}

func TestManagerAttachmentLifecycle(t *testing.T) {
	disposed := 0
	factory := func(roomID string, kind models.DocKind, doc *crdt.Doc) Attachment {
		if kind != models.KindCode {
			return nil
		}
		return countingAttachment{disposed: &disposed}
	}
	m := NewManager(newSpyStore(), factory, 30*time.Minute)

	if _, err := m.GetOrCreate(context.Background(), "r", models.KindCode); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	m.Sweep(time.Now().Add(time.Hour))
	if disposed != 1 {
		t.Errorf("attachment disposed %d times, want 1", disposed)
	}
}

func TestManagerCloseAll(t *testing.T) {
	m := NewManager(newSpyStore(), nil, time.Hour)
	for _, kind := range []models.DocKind{models.KindCode, models.KindNotes, models.KindInstructions} {
		if _, err := m.GetOrCreate(context.Background(), "r", kind); err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
	}
	m.CloseAll()
	if m.Count() != 0 {
		t.Errorf("Count = %d after CloseAll, want 0", m.Count())
	}
}
