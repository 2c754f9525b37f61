// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

// Package metrics exposes Prometheus collectors for the sync engine:
// room/connection population, protocol message flow, snapshot persistence,
// file-sync projection, and code execution latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Room and connection population
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomsync_active_rooms",
			Help: "Number of live room coordinators",
		},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomsync_active_connections",
			Help: "Number of live WebSocket connections across all rooms",
		},
	)

	// Protocol message flow
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_messages_received_total",
			Help: "Inbound protocol frames by type",
		},
		[]string{"type"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_messages_dropped_total",
			Help: "Inbound frames dropped as malformed or unknown",
		},
		[]string{"reason"},
	)

	BroadcastsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_broadcasts_sent_total",
			Help: "Frames fanned out to peers",
		},
	)

	BroadcastFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_broadcast_failures_total",
			Help: "Peer sends that failed and triggered lazy eviction",
		},
	)

	// Snapshot persistence
	SnapshotSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_snapshot_saves_total",
			Help: "Snapshot save attempts by result",
		},
		[]string{"result"},
	)

	SnapshotLoadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_snapshot_load_failures_total",
			Help: "Snapshot loads that failed and degraded to an empty document",
		},
	)

	// File-sync projection
	FileSyncOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_filesync_ops_total",
			Help: "Sandbox file operations by kind and result",
		},
		[]string{"op", "result"},
	)

	FileSyncDebouncedWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_filesync_debounced_writes_total",
			Help: "Debounced content writes that actually fired",
		},
	)

	// Code execution
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomsync_execution_duration_seconds",
			Help:    "End-to-end code execution latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"language", "success"},
	)
)
