// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

// Package sandbox is the HTTP client for the external execution service:
// code execution, workspace file operations, and dev-server previews.
//
// All calls go through a circuit breaker so a dead or drowning sandbox
// service degrades to fast failures instead of piling up blocked
// goroutines behind the room coordinators.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/collabforge/roomsync/internal/logging"
	"github.com/collabforge/roomsync/internal/metrics"
	"github.com/collabforge/roomsync/internal/models"
)

// maxErrorBodySize caps how much of an error response is read back for
// diagnostics.
const maxErrorBodySize = 64 * 1024

// ErrPreviewNotReady is returned when the dev server never produced a
// reachable URL within the bounded wait.
var ErrPreviewNotReady = errors.New("preview did not become ready in time")

// ExecRequest is one code-execution call.
type ExecRequest struct {
	Language models.Language `json:"language"`
	Code     string          `json:"code"`
}

// previewState is the sandbox's answer while a dev server is starting.
type previewState struct {
	URL   string `json:"url"`
	Ready bool   `json:"ready"`
}

// Client talks to the sandbox service. Safe for concurrent use.
type Client struct {
	baseURL     string
	http        *http.Client
	cb          *gobreaker.CircuitBreaker[[]byte]
	previewWait time.Duration
	pollEvery   time.Duration
}

// Options configures a Client. Zero fields get defaults.
type Options struct {
	BaseURL     string
	Timeout     time.Duration // per-request, default 30s
	PreviewWait time.Duration // bounded wait for a preview URL, default 30s
}

// NewClient creates a sandbox client. The breaker opens after a 60%
// failure rate over at least 10 requests and probes again after 30s.
func NewClient(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PreviewWait == 0 {
		opts.PreviewWait = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "sandbox-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("sandbox circuit breaker state change")
		},
	})

	return &Client{
		baseURL:     opts.BaseURL,
		http:        &http.Client{Timeout: opts.Timeout},
		cb:          cb,
		previewWait: opts.PreviewWait,
		pollEvery:   500 * time.Millisecond,
	}
}

// post issues one JSON POST through the breaker and returns the response
// body. Non-2xx statuses count as breaker failures.
func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := c.cb.Execute(func() ([]byte, error) {
		var buf bytes.Buffer
		if payload != nil {
			if err := json.NewEncoder(&buf).Encode(payload); err != nil {
				return nil, fmt.Errorf("encode request: %w", err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("sandbox %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
			return nil, fmt.Errorf("sandbox %s: status %d: %s", path, resp.StatusCode, detail)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode sandbox %s response: %w", path, err)
	}
	return nil
}

// Exec runs code in the room's sandbox and returns the finished record.
// Execution failures (non-zero exit, compile errors) come back as a
// record with Success false, not as a Go error; only transport and
// breaker failures error out.
func (c *Client) Exec(ctx context.Context, roomID string, req ExecRequest) (models.ExecutionRecord, error) {
	start := time.Now()
	var rec models.ExecutionRecord
	err := c.post(ctx, "/rooms/"+roomID+"/execute", req, &rec)
	metrics.ExecutionDuration.
		WithLabelValues(string(req.Language), fmt.Sprintf("%t", err == nil && rec.Success)).
		Observe(time.Since(start).Seconds())
	if err != nil {
		return models.ExecutionRecord{}, err
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	return rec, nil
}

// StartPreview asks the sandbox to boot the workspace's dev server and
// waits, bounded, until it reports a reachable URL.
func (c *Client) StartPreview(ctx context.Context, roomID string) (string, error) {
	if err := c.post(ctx, "/rooms/"+roomID+"/preview/start", nil, nil); err != nil {
		return "", err
	}

	deadline := time.Now().Add(c.previewWait)
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		var state previewState
		if err := c.post(ctx, "/rooms/"+roomID+"/preview/status", nil, &state); err != nil {
			return "", err
		}
		if state.Ready && state.URL != "" {
			return state.URL, nil
		}
		if time.Now().After(deadline) {
			return "", ErrPreviewNotReady
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// StopPreview shuts the workspace's dev server down.
func (c *Client) StopPreview(ctx context.Context, roomID string) error {
	return c.post(ctx, "/rooms/"+roomID+"/preview/stop", nil, nil)
}

// Workspace returns a room-scoped view of the sandbox file system.
func (c *Client) Workspace(roomID string) *Workspace {
	return &Workspace{client: c, roomID: roomID}
}

// Workspace performs file operations inside one room's /workspace tree.
// It satisfies the projector's file-system interface.
type Workspace struct {
	client *Client
	roomID string
}

type pathPayload struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

type movePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (w *Workspace) files(ctx context.Context, op string, payload any) error {
	return w.client.post(ctx, "/rooms/"+w.roomID+"/files/"+op, payload, nil)
}

// Mkdir creates path and any missing parents.
func (w *Workspace) Mkdir(ctx context.Context, path string) error {
	return w.files(ctx, "mkdir", pathPayload{Path: path})
}

// WriteFile replaces path's content, creating the file if needed.
func (w *Workspace) WriteFile(ctx context.Context, path, content string) error {
	return w.files(ctx, "write", pathPayload{Path: path, Content: content})
}

// DeleteFile removes a single file.
func (w *Workspace) DeleteFile(ctx context.Context, path string) error {
	return w.files(ctx, "delete", pathPayload{Path: path})
}

// RemoveAll removes path and everything under it.
func (w *Workspace) RemoveAll(ctx context.Context, path string) error {
	return w.files(ctx, "remove-all", pathPayload{Path: path})
}

// Move renames oldPath to newPath.
func (w *Workspace) Move(ctx context.Context, oldPath, newPath string) error {
	return w.files(ctx, "move", movePayload{From: oldPath, To: newPath})
}
