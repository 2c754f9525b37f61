// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/collabforge/roomsync/internal/logging"
	"github.com/collabforge/roomsync/internal/models"
	"github.com/collabforge/roomsync/internal/room"
	"github.com/collabforge/roomsync/internal/store"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

// fakeServer scripts ListenAndServe/Shutdown behavior.
type fakeServer struct {
	serveErr   error
	block      chan struct{}
	shutdowns  int
	shutdownMu sync.Mutex
}

func (f *fakeServer) ListenAndServe() error {
	if f.block != nil {
		<-f.block
	}
	return f.serveErr
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.shutdownMu.Lock()
	f.shutdowns++
	f.shutdownMu.Unlock()
	if f.block != nil {
		close(f.block)
	}
	return nil
}

func TestHTTPServiceStartupFailure(t *testing.T) {
	srv := &fakeServer{serveErr: errors.New("address in use")}
	svc := NewHTTPServerService(srv, time.Second)
	if err := svc.Serve(context.Background()); err == nil {
		t.Fatal("startup failure not reported")
	}
}

func TestHTTPServiceGracefulShutdown(t *testing.T) {
	srv := &fakeServer{block: make(chan struct{})}
	svc := NewHTTPServerService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	srv.shutdownMu.Lock()
	defer srv.shutdownMu.Unlock()
	if srv.shutdowns != 1 {
		t.Errorf("shutdowns = %d, want 1", srv.shutdowns)
	}
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (s *memStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.data[key]; ok {
		return data, nil
	}
	return nil, store.ErrNotFound
}

func (s *memStore) Save(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func TestJanitorEvictsIdleRooms(t *testing.T) {
	manager := room.NewManager(&memStore{data: make(map[string][]byte)}, nil, 0)
	if _, err := manager.GetOrCreate(context.Background(), "stale", models.KindCode); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	svc := NewJanitorService(manager, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for manager.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle room never evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
