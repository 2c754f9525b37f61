// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

package services

import (
	"context"
	"time"

	"github.com/collabforge/roomsync/internal/logging"
	"github.com/collabforge/roomsync/internal/room"
)

// JanitorService periodically sweeps the room manager, evicting
// coordinators that have sat idle with no connections.
type JanitorService struct {
	manager  *room.Manager
	interval time.Duration
}

// NewJanitorService creates the sweep loop. interval defaults to one
// minute when zero.
func NewJanitorService(manager *room.Manager, interval time.Duration) *JanitorService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &JanitorService{manager: manager, interval: interval}
}

// Serve implements suture.Service.
func (j *JanitorService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if n := j.manager.Sweep(now); n > 0 {
				logging.Debug().Int("evicted", n).Msg("idle room sweep")
			}
		}
	}
}

func (j *JanitorService) String() string { return "room-janitor" }
