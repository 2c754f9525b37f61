// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

// Package models defines the shared data types exchanged between the room
// coordinator, the wire protocol, the file-sync projector, and the HTTP API.
package models

import "time"

// DocKind identifies which of a room's replicated documents a connection
// or request addresses. Each (room, kind) pair owns one document.
type DocKind string

const (
	KindCode         DocKind = "code"
	KindInstructions DocKind = "instructions"
	KindNotes        DocKind = "notes"
	KindExecution    DocKind = "execution"
	KindWhiteboard   DocKind = "whiteboard"
)

// ValidKind reports whether k names a known document kind.
func ValidKind(k DocKind) bool {
	switch k {
	case KindCode, KindInstructions, KindNotes, KindExecution, KindWhiteboard:
		return true
	}
	return false
}

// User identifies a participant as presented to other participants.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Cursor is a flat cursor position within a document.
type Cursor struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// Selection is an anchor/head text selection.
type Selection struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// Presence is the ephemeral per-connection awareness record. It is
// broadcast live and never persisted.
type Presence struct {
	User      User       `json:"user"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// NodeType distinguishes files from folders in the virtual workspace tree.
type NodeType string

const (
	NodeFile   NodeType = "file"
	NodeFolder NodeType = "folder"
)

// FileNode is one entry in the collaborative "fs" map. Nodes reference
// their parent by id, not by path, so renaming a folder never rewrites
// its descendants.
type FileNode struct {
	Type     NodeType `json:"type"`
	Name     string   `json:"name"`
	ParentID string   `json:"parentId,omitempty"`
	Children []string `json:"children,omitempty"`
}

// ExecutionRecord is one entry in a room's append-only execution history.
type ExecutionRecord struct {
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	ExitCode    int    `json:"exitCode"`
	Success     bool   `json:"success"`
	ElapsedTime int64  `json:"elapsedTime"`
	CompileTime int64  `json:"compileTime,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// RoomInfo is the GET room info response.
type RoomInfo struct {
	RoomID       string    `json:"room_id"`
	Kind         DocKind   `json:"kind"`
	Connections  int       `json:"connections"`
	DocSize      int       `json:"doc_size"`
	LastModified time.Time `json:"last_modified"`
}

// RoomStatus is the GET room status response.
type RoomStatus struct {
	Connected   bool `json:"connected"`
	Connections int  `json:"connections"`
	HasContent  bool `json:"has_content"`
}
