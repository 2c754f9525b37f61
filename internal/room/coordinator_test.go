// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

package room

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/collabforge/roomsync/internal/crdt"
	"github.com/collabforge/roomsync/internal/logging"
	"github.com/collabforge/roomsync/internal/models"
	"github.com/collabforge/roomsync/internal/protocol"
	"github.com/collabforge/roomsync/internal/store"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

// fakeConn records every frame and close call it receives.
type fakeConn struct {
	mu          sync.Mutex
	frames      []protocol.Frame
	closed      bool
	closeCode   int
	closeReason string
	failSend    bool
}

func (f *fakeConn) Send(frame protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("connection gone")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
}

func (f *fakeConn) framesOfType(t string) []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Frame
	for _, fr := range f.frames {
		if fr.Type == t {
			out = append(out, fr)
		}
	}
	return out
}

// spyStore is an in-memory SnapshotStore that signals each save.
type spyStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	deletes int
	loadErr error
	saved   chan struct{}
}

func newSpyStore() *spyStore {
	return &spyStore{data: make(map[string][]byte), saved: make(chan struct{}, 16)}
}

func (s *spyStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	data, ok := s.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (s *spyStore) Save(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	s.data[key] = append([]byte(nil), data...)
	s.mu.Unlock()
	s.saved <- struct{}{}
	return nil
}

func (s *spyStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	s.deletes++
	return nil
}

func (s *spyStore) waitSave(t *testing.T) {
	t.Helper()
	select {
	case <-s.saved:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot save")
	}
}

func newTestCoordinator(t *testing.T, snaps store.SnapshotStore) *Coordinator {
	t.Helper()
	c := New("room-1", models.KindCode, snaps, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c
}

// localUpdate produces encoded update bytes by editing a detached replica.
func localUpdate(t *testing.T, edit func(d *crdt.Doc)) []byte {
	t.Helper()
	d := crdt.NewDoc()
	var upd []byte
	d.OnUpdate(func(u []byte, _ any) { upd = u })
	edit(d)
	if upd == nil {
		t.Fatal("edit produced no update")
	}
	return upd
}

func TestFreshRoomSync(t *testing.T) {
	snaps := newSpyStore()
	c := newTestCoordinator(t, snaps)
	conn := &fakeConn{}
	id := c.AddConnection(conn)
	if id == "" {
		t.Fatal("empty client id")
	}

	c.HandleMessage(conn, protocol.Frame{Type: protocol.FrameSync}, id)

	syncs := conn.framesOfType(protocol.FrameSync)
	if len(syncs) != 1 {
		t.Fatalf("sync replies = %d, want 1", len(syncs))
	}
	replica := crdt.NewDoc()
	if err := replica.ApplyUpdate(syncs[0].Data, nil); err != nil {
		t.Fatalf("snapshot does not apply: %v", err)
	}
	if replica.HasContent() {
		t.Error("fresh room snapshot has content")
	}

	aws := conn.framesOfType(protocol.FrameAwarenessSync)
	if len(aws) != 1 {
		t.Fatalf("awareness-sync replies = %d, want 1", len(aws))
	}
	if len(aws[0].States) != 0 {
		t.Errorf("fresh room awareness table has %d entries", len(aws[0].States))
	}
}

func TestUpdateBroadcastExcludesSender(t *testing.T) {
	snaps := newSpyStore()
	c := newTestCoordinator(t, snaps)
	a, b := &fakeConn{}, &fakeConn{}
	idA := c.AddConnection(a)
	c.AddConnection(b)

	upd := localUpdate(t, func(d *crdt.Doc) {
		if err := d.Text("content").Insert(0, "hello", nil); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	})

	c.HandleMessage(a, protocol.Frame{Type: protocol.FrameUpdate, Data: upd}, idA)

	if got := c.Doc().Text("content").String(); got != "hello" {
		t.Fatalf("doc text = %q, want %q", got, "hello")
	}
	if got := a.framesOfType(protocol.FrameUpdate); len(got) != 0 {
		t.Errorf("sender received %d update frames, want 0", len(got))
	}
	got := b.framesOfType(protocol.FrameUpdate)
	if len(got) != 1 {
		t.Fatalf("peer received %d update frames, want 1", len(got))
	}
	if string(got[0].Data) != string(upd) {
		t.Error("peer did not receive the identical update bytes")
	}

	snaps.waitSave(t)
	data, err := snaps.Load(context.Background(), store.Key("room-1", "code"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	replica := crdt.NewDoc()
	if err := replica.ApplyUpdate(data, nil); err != nil {
		t.Fatalf("saved snapshot does not apply: %v", err)
	}
	if got := replica.Text("content").String(); got != "hello" {
		t.Errorf("persisted text = %q, want %q", got, "hello")
	}
}

func TestExternalWriteBroadcastsToAll(t *testing.T) {
	snaps := newSpyStore()
	c := newTestCoordinator(t, snaps)
	a, b := &fakeConn{}, &fakeConn{}
	c.AddConnection(a)
	c.AddConnection(b)

	if err := c.Doc().Text("previewUrl").SetString("http://localhost:5173", OriginExternal); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	for name, conn := range map[string]*fakeConn{"a": a, "b": b} {
		if got := conn.framesOfType(protocol.FrameUpdate); len(got) != 1 {
			t.Errorf("conn %s received %d update frames, want 1", name, len(got))
		}
	}
	snaps.waitSave(t)
}

func TestSnapshotReloadOnInitialize(t *testing.T) {
	snaps := newSpyStore()
	c := newTestCoordinator(t, snaps)
	if err := c.Doc().Text("content").SetString("persisted", OriginExternal); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	snaps.waitSave(t)

	c2 := newTestCoordinator(t, snaps)
	if got := c2.Doc().Text("content").String(); got != "persisted" {
		t.Fatalf("reloaded text = %q, want %q", got, "persisted")
	}
}

func TestInitializeLoadDoesNotResave(t *testing.T) {
	snaps := newSpyStore()
	c := newTestCoordinator(t, snaps)
	if err := c.Doc().Text("content").SetString("persisted", OriginExternal); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	snaps.waitSave(t)

	c2 := newTestCoordinator(t, snaps)
	if got := c2.Doc().Text("content").String(); got != "persisted" {
		t.Fatalf("reloaded text = %q, want %q", got, "persisted")
	}
	select {
	case <-snaps.saved:
		t.Fatal("applying the loaded snapshot must not write it back")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestInitializeSurvivesLoadFailure(t *testing.T) {
	snaps := newSpyStore()
	snaps.loadErr = errors.New("disk on fire")
	c := New("room-1", models.KindCode, snaps, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize should degrade, got %v", err)
	}
	if c.Doc().HasContent() {
		t.Error("degraded document is not empty")
	}
}

func TestAwarenessRoundTrip(t *testing.T) {
	snaps := newSpyStore()
	c := newTestCoordinator(t, snaps)
	a, b := &fakeConn{}, &fakeConn{}
	idA := c.AddConnection(a)
	c.AddConnection(b)

	pres := models.Presence{User: models.User{ID: "u1", Name: "Ada", Color: "#ff0000"}}
	c.HandleMessage(a, protocol.Frame{
		Type:      protocol.FrameAwareness,
		ClientID:  idA,
		Awareness: &pres,
	}, idA)

	got := b.framesOfType(protocol.FrameAwareness)
	if len(got) != 1 || got[0].Awareness == nil || got[0].Awareness.User.Name != "Ada" {
		t.Fatalf("peer awareness frames = %+v", got)
	}

	c.HandleMessage(a, protocol.Frame{
		Type:     protocol.FrameCursorUpdate,
		ClientID: idA,
		Cursor:   &models.Cursor{Index: 4},
	}, idA)

	// A late joiner's sync sees the merged presence table.
	late := &fakeConn{}
	idLate := c.AddConnection(late)
	c.HandleMessage(late, protocol.Frame{Type: protocol.FrameSync}, idLate)
	aws := late.framesOfType(protocol.FrameAwarenessSync)
	if len(aws) != 1 {
		t.Fatalf("awareness-sync replies = %d, want 1", len(aws))
	}
	state, ok := aws[0].States[idA]
	if !ok {
		t.Fatalf("presence for %s missing from sync table", idA)
	}
	if state.User.Name != "Ada" || state.Cursor == nil || state.Cursor.Index != 4 {
		t.Errorf("synced presence = %+v", state)
	}
}

func TestCursorUpdateWithoutPresenceDropped(t *testing.T) {
	snaps := newSpyStore()
	c := newTestCoordinator(t, snaps)
	a, b := &fakeConn{}, &fakeConn{}
	idA := c.AddConnection(a)
	c.AddConnection(b)

	// A cursor moves before any awareness frame established the user.
	c.HandleMessage(a, protocol.Frame{
		Type:     protocol.FrameCursorUpdate,
		ClientID: idA,
		Cursor:   &models.Cursor{Index: 9},
	}, idA)

	if got := b.framesOfType(protocol.FrameCursorUpdate); len(got) != 0 {
		t.Fatalf("cursor frames forwarded = %d, want 0", len(got))
	}

	late := &fakeConn{}
	idLate := c.AddConnection(late)
	c.HandleMessage(late, protocol.Frame{Type: protocol.FrameSync}, idLate)
	aws := late.framesOfType(protocol.FrameAwarenessSync)
	if len(aws) != 1 {
		t.Fatalf("awareness-sync replies = %d, want 1", len(aws))
	}
	if _, ok := aws[0].States[idA]; ok {
		t.Fatal("cursor-only client appeared in the presence table")
	}
}

func TestDisconnectBroadcastsRemovalOnce(t *testing.T) {
	snaps := newSpyStore()
	c := newTestCoordinator(t, snaps)
	a, b := &fakeConn{}, &fakeConn{}
	idA := c.AddConnection(a)
	c.AddConnection(b)

	c.Disconnect(a)
	c.Disconnect(a) // duplicate, must be a no-op

	got := b.framesOfType(protocol.FrameAwarenessRemove)
	if len(got) != 1 {
		t.Fatalf("awareness-remove frames = %d, want 1", len(got))
	}
	if got[0].ClientID != idA {
		t.Errorf("removed client = %q, want %q", got[0].ClientID, idA)
	}
	if c.ConnectionCount() != 1 {
		t.Errorf("connections = %d, want 1", c.ConnectionCount())
	}
}

func TestDeadConnectionEvicted(t *testing.T) {
	snaps := newSpyStore()
	c := newTestCoordinator(t, snaps)
	a, b := &fakeConn{}, &fakeConn{failSend: true}
	idA := c.AddConnection(a)
	c.AddConnection(b)

	upd := localUpdate(t, func(d *crdt.Doc) {
		if err := d.Text("content").Insert(0, "x", nil); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	})
	c.HandleMessage(a, protocol.Frame{Type: protocol.FrameUpdate, Data: upd}, idA)

	if c.ConnectionCount() != 1 {
		t.Fatalf("connections = %d, want 1 after eviction", c.ConnectionCount())
	}
	if got := a.framesOfType(protocol.FrameAwarenessRemove); len(got) != 1 {
		t.Errorf("survivor received %d awareness-remove frames, want 1", len(got))
	}
	snaps.waitSave(t)
}

func TestMalformedUpdateDropped(t *testing.T) {
	snaps := newSpyStore()
	c := newTestCoordinator(t, snaps)
	a, b := &fakeConn{}, &fakeConn{}
	idA := c.AddConnection(a)
	c.AddConnection(b)

	c.HandleMessage(a, protocol.Frame{Type: protocol.FrameUpdate, Data: []byte(`{"ops":`)}, idA)
	c.HandleMessage(a, protocol.Frame{Type: "telepathy"}, idA)

	if c.Doc().HasContent() {
		t.Error("malformed update mutated the document")
	}
	if len(b.framesOfType(protocol.FrameUpdate)) != 0 {
		t.Error("malformed update was broadcast")
	}
	if c.ConnectionCount() != 2 {
		t.Errorf("connections = %d, want 2; sender must not be dropped", c.ConnectionCount())
	}
}

func TestResetClosesAndClears(t *testing.T) {
	snaps := newSpyStore()
	c := newTestCoordinator(t, snaps)
	a := &fakeConn{}
	c.AddConnection(a)
	oldDoc := c.Doc()
	if err := oldDoc.Text("content").SetString("to be wiped", OriginExternal); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	snaps.waitSave(t)

	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	a.mu.Lock()
	closed, code, reason := a.closed, a.closeCode, a.closeReason
	a.mu.Unlock()
	if !closed || code != CloseNormal || reason != "room reset" {
		t.Errorf("close = (%v, %d, %q), want (true, %d, %q)", closed, code, reason, CloseNormal, "room reset")
	}
	if c.ConnectionCount() != 0 {
		t.Errorf("connections = %d, want 0", c.ConnectionCount())
	}
	if c.Doc() == oldDoc {
		t.Fatal("document instance not replaced")
	}
	if c.Doc().HasContent() {
		t.Error("document not empty after reset")
	}
	if _, err := snaps.Load(context.Background(), store.Key("room-1", "code")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("snapshot still present after reset: %v", err)
	}

	// Writes against the replaced instance are discarded, not persisted.
	if err := oldDoc.Text("content").SetString("ghost", OriginExternal); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	select {
	case <-snaps.saved:
		t.Error("stale document write was persisted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDestroyedCoordinatorIgnoresMessages(t *testing.T) {
	snaps := newSpyStore()
	c := newTestCoordinator(t, snaps)
	a := &fakeConn{}
	id := c.AddConnection(a)
	c.Destroy()
	c.Destroy() // idempotent

	a.mu.Lock()
	closed, reason := a.closed, a.closeReason
	a.mu.Unlock()
	if !closed || reason != "room closed" {
		t.Errorf("close = (%v, %q), want (true, %q)", closed, reason, "room closed")
	}

	upd := localUpdate(t, func(d *crdt.Doc) {
		if err := d.Text("content").Insert(0, "x", nil); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	})
	c.HandleMessage(a, protocol.Frame{Type: protocol.FrameUpdate, Data: upd}, id)
	if c.Doc().HasContent() {
		t.Error("destroyed coordinator applied an update")
	}
}

func TestAlarm(t *testing.T) {
	snaps := newSpyStore()
	c := newTestCoordinator(t, snaps)
	idle := 30 * time.Minute

	if c.Alarm(time.Now(), idle) {
		t.Error("fresh coordinator reported evictable immediately")
	}
	if !c.Alarm(time.Now().Add(time.Hour), idle) {
		t.Error("idle empty coordinator not evictable")
	}

	conn := &fakeConn{}
	c.AddConnection(conn)
	if c.Alarm(time.Now().Add(2*time.Hour), idle) {
		t.Error("coordinator with a live connection reported evictable")
	}
}

func TestStatusAndInfo(t *testing.T) {
	snaps := newSpyStore()
	c := newTestCoordinator(t, snaps)

	st := c.Status()
	if st.Connected || st.Connections != 0 || st.HasContent {
		t.Errorf("fresh status = %+v", st)
	}

	conn := &fakeConn{}
	c.AddConnection(conn)
	if err := c.Doc().Text("content").SetString("x", OriginExternal); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	snaps.waitSave(t)

	st = c.Status()
	if !st.Connected || st.Connections != 1 || !st.HasContent {
		t.Errorf("status = %+v", st)
	}
	info := c.Info()
	if info.RoomID != "room-1" || info.Kind != models.KindCode || info.Connections != 1 {
		t.Errorf("info = %+v", info)
	}
	if info.DocSize == 0 {
		t.Error("info.DocSize = 0 for non-empty document")
	}
}
