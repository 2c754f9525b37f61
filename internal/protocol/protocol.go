// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

// Package protocol defines the JSON frames exchanged between clients and
// the room coordinator over the WebSocket transport.
//
// Document payloads (encoded CRDT updates and snapshots) are themselves
// JSON, so they travel embedded in the frame rather than re-encoded.
package protocol

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/collabforge/roomsync/internal/models"
)

// Frame types. sync and awareness-sync are also used as server replies;
// awareness-remove is server-to-client only.
const (
	FrameSync            = "sync"
	FrameUpdate          = "update"
	FrameAwareness       = "awareness"
	FrameCursorUpdate    = "cursor-update"
	FrameAwarenessRemove = "awareness-remove"
	FrameAwarenessSync   = "awareness-sync"
)

// Frame is one protocol message. Which fields are populated depends on
// Type; unknown types are dropped by the receiver, never treated as a
// protocol violation.
type Frame struct {
	Type string `json:"type"`

	// Data carries an encoded CRDT update (for "update") or a full
	// document snapshot (for the "sync" reply).
	Data json.RawMessage `json:"data,omitempty"`

	// ClientID identifies whose presence an awareness, cursor-update, or
	// awareness-remove frame concerns.
	ClientID string `json:"clientId,omitempty"`

	// Awareness is the full presence record for "awareness" frames.
	Awareness *models.Presence `json:"awareness,omitempty"`

	// Cursor is the partial presence change for "cursor-update" frames.
	Cursor *models.Cursor `json:"cursor,omitempty"`

	// States is the full presence table for "awareness-sync" replies.
	States map[string]models.Presence `json:"states,omitempty"`
}

// Encode serializes a frame.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Decode parses a frame. A decode error means the message was malformed;
// callers log and drop it without penalizing the sender.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
