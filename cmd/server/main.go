// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

// Command server runs the RoomSync collaboration backend: room
// coordinators with CRDT documents, the WebSocket sync endpoint, the
// HTTP control surface, snapshot persistence, and the sandbox file
// projection.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/collabforge/roomsync/internal/api"
	"github.com/collabforge/roomsync/internal/config"
	"github.com/collabforge/roomsync/internal/crdt"
	"github.com/collabforge/roomsync/internal/filesync"
	"github.com/collabforge/roomsync/internal/logging"
	"github.com/collabforge/roomsync/internal/models"
	"github.com/collabforge/roomsync/internal/room"
	"github.com/collabforge/roomsync/internal/sandbox"
	"github.com/collabforge/roomsync/internal/store"
	"github.com/collabforge/roomsync/internal/supervisor"
	"github.com/collabforge/roomsync/internal/supervisor/services"
	"github.com/collabforge/roomsync/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().Int("port", cfg.Server.Port).Msg("starting roomsync")

	snaps, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer func() {
		if err := snaps.Close(); err != nil {
			logging.Error().Err(err).Msg("snapshot store close failed")
		}
	}()

	// The sandbox service is optional. Without it, rooms still sync and
	// persist; execution, previews, and file projection are disabled.
	var sandboxClient *sandbox.Client
	var factory room.AttachmentFactory
	if cfg.Sandbox.URL != "" {
		sandboxClient = sandbox.NewClient(sandbox.Options{
			BaseURL:     cfg.Sandbox.URL,
			Timeout:     cfg.Sandbox.Timeout,
			PreviewWait: cfg.Sandbox.PreviewWait,
		})
		debounce := cfg.FileSync.Debounce
		factory = func(roomID string, kind models.DocKind, doc *crdt.Doc) room.Attachment {
			// Only the code document projects onto the sandbox tree.
			if kind != models.KindCode {
				return nil
			}
			p := filesync.New(sandboxClient.Workspace(roomID), doc, debounce)
			p.SyncAllFiles(context.Background())
			p.StartObserving()
			return p
		}
	} else {
		logging.Warn().Msg("no sandbox url configured, execution and file sync disabled")
	}

	manager := room.NewManager(snaps, factory, cfg.Room.IdleTimeout)
	defer manager.CloseAll()

	var executor api.Executor
	if sandboxClient != nil {
		executor = sandboxClient
	}
	handler := api.NewHandler(manager, websocket.NewGateway(), executor)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimitReqs:   cfg.Server.RateLimitReqs,
		RateLimitWindow: cfg.Server.RateLimitWindow,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	tree := supervisor.NewTree(logging.NewSlogLogger(), treeCfg)
	tree.AddRoomService(services.NewJanitorService(manager, cfg.Room.SweepInterval))
	tree.AddAPIService(services.NewHTTPServerService(httpServer, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := tree.ServeBackground(ctx)
	select {
	case <-ctx.Done():
		logging.Info().Msg("shutdown signal received")
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	logging.Info().Msg("shutdown complete")
	return nil
}
