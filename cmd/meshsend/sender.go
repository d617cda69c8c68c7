package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/meshrelay/internal/mesh"
	"github.com/pscheid92/meshrelay/internal/producer"
)

// sender streams snapshot files through one producer client.
type sender struct {
	client   *producer.Client
	clock    clockwork.Clock
	interval time.Duration

	mu      sync.Mutex
	pending map[string]clockwork.Timer
}

func newSender(client *producer.Client, clock clockwork.Clock, interval time.Duration) *sender {
	return &sender{
		client:   client,
		clock:    clock,
		interval: interval,
		pending:  make(map[string]clockwork.Timer),
	}
}

// sendFile validates path as a snapshot and sends it. Unchanged content is
// skipped by the client.
func (s *sender) sendFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	snap, err := mesh.Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	sent, err := s.client.SendSnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", path, err)
	}
	if sent {
		slog.Info("Snapshot sent", "file", path, "vertices", len(snap.Vertices), "faces", len(snap.Faces))
	}
	return nil
}

// sendAll sends every file once, logging failures and carrying on.
func (s *sender) sendAll(ctx context.Context, paths []string) int {
	failed := 0
	for _, p := range paths {
		if err := s.sendFile(ctx, p); err != nil {
			slog.Error("Snapshot not sent", "error", err)
			failed++
		}
	}
	return failed
}

// watch re-sends a file whenever it is written, until ctx is cancelled.
// Parent directories are watched so editors that replace files by rename are
// still seen.
func (s *sender) watch(ctx context.Context, paths []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	files := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	slog.Info("Watching snapshot files", "files", len(files))

	for {
		select {
		case <-ctx.Done():
			s.stopPending()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || !files[name] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.debounceSend(ctx, name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Watcher error", "error", err)
		}
	}
}

// debounceSend coalesces bursts of writes to one file into a single send.
func (s *sender) debounceSend(ctx context.Context, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.pending[path]; ok {
		t.Stop()
	}
	s.pending[path] = s.clock.AfterFunc(s.interval, func() {
		if ctx.Err() != nil {
			return
		}
		if err := s.sendFile(ctx, path); err != nil {
			slog.Error("Snapshot not sent", "error", err)
		}
	})
}

func (s *sender) stopPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, t := range s.pending {
		t.Stop()
		delete(s.pending, path)
	}
}
