// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

// Package filesync mirrors a room's virtual workspace (the "fs" map plus
// one text container per file) onto the real file system inside the
// execution sandbox.
//
// The replicated document stays the single source of truth. Every sandbox
// operation is best-effort: failures are logged with operation and path
// context and the next structural or content change re-attempts a
// consistent write.
package filesync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/collabforge/roomsync/internal/crdt"
	"github.com/collabforge/roomsync/internal/logging"
	"github.com/collabforge/roomsync/internal/metrics"
	"github.com/collabforge/roomsync/internal/models"
)

// DefaultDebounce is the quiet period before a file's edited content is
// written out to the sandbox.
const DefaultDebounce = 500 * time.Millisecond

// fsMapName is the structural container; file contents live in one text
// container per node, named filePrefix + node id.
const (
	fsMapName  = "fs"
	filePrefix = "file:"
)

// SandboxFS is the subset of sandbox operations the projector performs.
// Paths are relative to the sandbox workspace root.
type SandboxFS interface {
	Mkdir(ctx context.Context, path string) error
	WriteFile(ctx context.Context, path, content string) error
	DeleteFile(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
	Move(ctx context.Context, oldPath, newPath string) error
}

// Projector keeps one sandbox workspace eventually consistent with one
// document. Create it per (room, document) and dispose it when the
// document instance is replaced.
type Projector struct {
	fs       SandboxFS
	doc      *crdt.Doc
	debounce time.Duration

	mu          sync.Mutex
	disposed    bool
	paths       map[string]string      // node id -> resolved workspace path
	timers      map[string]*time.Timer // file id -> pending content write
	textHandles map[string]int         // file id -> text observer handle
	mapHandle   int
	observing   bool
}

// New creates a projector over doc. Pass DefaultDebounce unless a test
// needs a shorter window.
func New(fs SandboxFS, doc *crdt.Doc, debounce time.Duration) *Projector {
	return &Projector{
		fs:          fs,
		doc:         doc,
		debounce:    debounce,
		paths:       make(map[string]string),
		timers:      make(map[string]*time.Timer),
		textHandles: make(map[string]int),
	}
}

// node reads one entry out of the fs map. ok is false for missing or
// undecodable nodes.
func (p *Projector) node(id string) (models.FileNode, bool) {
	var n models.FileNode
	ok, err := p.doc.Map(fsMapName).GetInto(id, &n)
	if err != nil {
		logging.Warn().Err(err).Str("node", id).Msg("undecodable fs node")
		return models.FileNode{}, false
	}
	return n, ok
}

// resolvePath walks parent ids up to a root and joins the names. The
// result is cached; structural changes rewrite the cache. ok is false
// when the chain is broken or cyclic.
func (p *Projector) resolvePath(id string) (string, bool) {
	p.mu.Lock()
	if path, ok := p.paths[id]; ok {
		p.mu.Unlock()
		return path, true
	}
	p.mu.Unlock()

	var parts []string
	seen := make(map[string]bool)
	cur := id
	for cur != "" {
		if seen[cur] {
			logging.Warn().Str("node", id).Msg("cyclic fs parent chain")
			return "", false
		}
		seen[cur] = true
		n, ok := p.node(cur)
		if !ok {
			return "", false
		}
		parts = append(parts, n.Name)
		cur = n.ParentID
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	path := strings.Join(parts, "/")

	p.mu.Lock()
	if !p.disposed {
		p.paths[id] = path
	}
	p.mu.Unlock()
	return path, true
}

// SyncAllFiles materializes the whole virtual tree: folders first,
// shallowest first so parents exist, then every file's current content.
// Used on cold start and after workspace reset.
func (p *Projector) SyncAllFiles(ctx context.Context) {
	type entry struct {
		id   string
		path string
		node models.FileNode
	}
	var folders, files []entry
	for _, id := range p.doc.Map(fsMapName).Keys() {
		n, ok := p.node(id)
		if !ok {
			continue
		}
		path, ok := p.resolvePath(id)
		if !ok || path == "" {
			continue
		}
		e := entry{id: id, path: path, node: n}
		if n.Type == models.NodeFolder {
			folders = append(folders, e)
		} else {
			files = append(files, e)
		}
	}

	sort.Slice(folders, func(i, j int) bool {
		return strings.Count(folders[i].path, "/") < strings.Count(folders[j].path, "/")
	})
	for _, f := range folders {
		p.do(ctx, "mkdir", f.path, func() error { return p.fs.Mkdir(ctx, f.path) })
	}
	for _, f := range files {
		content := p.doc.Text(filePrefix + f.id).String()
		p.do(ctx, "write", f.path, func() error { return p.fs.WriteFile(ctx, f.path, content) })
	}
}

// StartObserving switches to incremental mode: one structural observer on
// the fs map, one content observer per existing file.
func (p *Projector) StartObserving() {
	p.mu.Lock()
	if p.disposed || p.observing {
		p.mu.Unlock()
		return
	}
	p.observing = true
	p.mu.Unlock()

	for _, id := range p.doc.Map(fsMapName).Keys() {
		if n, ok := p.node(id); ok && n.Type == models.NodeFile {
			p.observeFile(id)
		}
	}

	handle := p.doc.Map(fsMapName).Observe(p.onStructuralChange)
	p.mu.Lock()
	p.mapHandle = handle
	p.mu.Unlock()
}

func (p *Projector) observeFile(id string) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	if _, ok := p.textHandles[id]; ok {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	handle := p.doc.Text(filePrefix + id).Observe(func() {
		p.scheduleWrite(id)
	})
	p.mu.Lock()
	p.textHandles[id] = handle
	p.mu.Unlock()
}

// scheduleWrite arms (or re-arms) the per-file debounce timer. Only one
// write is ever pending per file; a new edit reschedules it.
func (p *Projector) scheduleWrite(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	if t, ok := p.timers[id]; ok {
		t.Stop()
	}
	p.timers[id] = time.AfterFunc(p.debounce, func() { p.flush(id) })
}

// flush performs the debounced content write. The disposed flag is
// checked here rather than relying on timer cancellation, because a
// timer that already fired cannot be stopped.
func (p *Projector) flush(id string) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	delete(p.timers, id)
	p.mu.Unlock()

	path, ok := p.resolvePath(id)
	if !ok {
		return
	}
	content := p.doc.Text(filePrefix + id).String()
	ctx := context.Background()
	p.do(ctx, "write", path, func() error { return p.fs.WriteFile(ctx, path, content) })
	metrics.FileSyncDebouncedWrites.Inc()
}

func (p *Projector) onStructuralChange(ev crdt.MapEvent) {
	switch ev.Action {
	case crdt.MapAdd:
		p.handleAdd(ev.Key, ev.Value)
	case crdt.MapDelete:
		p.handleDelete(ev.Key, ev.OldValue)
	case crdt.MapUpdate:
		p.handleMove(ev.Key)
	}
}

func (p *Projector) handleAdd(id string, raw json.RawMessage) {
	var n models.FileNode
	if err := json.Unmarshal(raw, &n); err != nil {
		logging.Warn().Err(err).Str("node", id).Msg("undecodable fs node added")
		return
	}
	path, ok := p.resolvePath(id)
	if !ok || path == "" {
		return
	}
	ctx := context.Background()
	if n.Type == models.NodeFolder {
		p.do(ctx, "mkdir", path, func() error { return p.fs.Mkdir(ctx, path) })
		return
	}
	if dir := parentDir(path); dir != "" {
		p.do(ctx, "mkdir", dir, func() error { return p.fs.Mkdir(ctx, dir) })
	}
	content := p.doc.Text(filePrefix + id).String()
	p.do(ctx, "write", path, func() error { return p.fs.WriteFile(ctx, path, content) })
	p.observeFile(id)
}

func (p *Projector) handleDelete(id string, raw json.RawMessage) {
	var n models.FileNode
	if err := json.Unmarshal(raw, &n); err != nil {
		logging.Warn().Err(err).Str("node", id).Msg("undecodable fs node removed")
	}

	p.mu.Lock()
	path, hadPath := p.paths[id]
	delete(p.paths, id)
	if handle, ok := p.textHandles[id]; ok {
		delete(p.textHandles, id)
		p.doc.Text(filePrefix + id).Unobserve(handle)
	}
	if t, ok := p.timers[id]; ok {
		t.Stop()
		delete(p.timers, id)
	}
	if hadPath && n.Type == models.NodeFolder {
		prefix := path + "/"
		for cid, cpath := range p.paths {
			if strings.HasPrefix(cpath, prefix) {
				delete(p.paths, cid)
			}
		}
	}
	p.mu.Unlock()

	if !hadPath {
		return
	}
	ctx := context.Background()
	if n.Type == models.NodeFolder {
		p.do(ctx, "rmdir", path, func() error { return p.fs.RemoveAll(ctx, path) })
	} else {
		p.do(ctx, "delete", path, func() error { return p.fs.DeleteFile(ctx, path) })
	}
}

// handleMove reacts to a rename or re-parent: move the sandbox path and
// rewrite the cached path of the node and, for folders, every cached
// descendant.
func (p *Projector) handleMove(id string) {
	p.mu.Lock()
	oldPath, hadOld := p.paths[id]
	delete(p.paths, id)
	p.mu.Unlock()

	newPath, ok := p.resolvePath(id)
	if !ok || newPath == "" || !hadOld {
		// No sandbox move to perform, but descendants may still carry
		// cached paths built from the node's previous name.
		p.dropDescendantPaths(id)
		return
	}
	if oldPath == newPath {
		return
	}

	ctx := context.Background()
	if dir := parentDir(newPath); dir != "" {
		p.do(ctx, "mkdir", dir, func() error { return p.fs.Mkdir(ctx, dir) })
	}
	p.do(ctx, "move", oldPath+" -> "+newPath, func() error {
		return p.fs.Move(ctx, oldPath, newPath)
	})

	n, _ := p.node(id)
	if n.Type != models.NodeFolder {
		return
	}
	oldPrefix := oldPath + "/"
	newPrefix := newPath + "/"
	p.mu.Lock()
	for cid, cpath := range p.paths {
		if strings.HasPrefix(cpath, oldPrefix) {
			p.paths[cid] = newPrefix + strings.TrimPrefix(cpath, oldPrefix)
		}
	}
	p.mu.Unlock()
}

// dropDescendantPaths evicts the cached path of every node whose parent
// chain passes through id, forcing re-resolution on next use. Used when
// a move cannot be applied as a prefix rewrite.
func (p *Projector) dropDescendantPaths(id string) {
	p.mu.Lock()
	cached := make([]string, 0, len(p.paths))
	for cid := range p.paths {
		cached = append(cached, cid)
	}
	p.mu.Unlock()

	for _, cid := range cached {
		seen := make(map[string]bool)
		for cur := cid; cur != "" && !seen[cur]; {
			seen[cur] = true
			n, ok := p.node(cur)
			if !ok {
				break
			}
			if n.ParentID == id {
				p.mu.Lock()
				delete(p.paths, cid)
				p.mu.Unlock()
				break
			}
			cur = n.ParentID
		}
	}
}

// do runs one best-effort sandbox operation and records its outcome.
func (p *Projector) do(_ context.Context, op, path string, fn func() error) {
	if err := fn(); err != nil {
		metrics.FileSyncOps.WithLabelValues(op, "error").Inc()
		logging.Warn().Err(err).Str("op", op).Str("path", path).
			Msg("sandbox file operation failed")
		return
	}
	metrics.FileSyncOps.WithLabelValues(op, "ok").Inc()
}

// Dispose detaches every observer, stops pending timers, and clears the
// path cache. Safe to call more than once; any timer that already fired
// finds the disposed flag and does nothing.
func (p *Projector) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	handles := p.textHandles
	p.textHandles = make(map[string]int)
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = make(map[string]*time.Timer)
	p.paths = make(map[string]string)
	mapHandle, observing := p.mapHandle, p.observing
	p.mu.Unlock()

	for id, handle := range handles {
		p.doc.Text(filePrefix + id).Unobserve(handle)
	}
	if observing {
		p.doc.Map(fsMapName).Unobserve(mapHandle)
	}
}

func parentDir(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}
