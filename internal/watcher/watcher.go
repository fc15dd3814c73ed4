// Package watcher implements the File Watcher: it discovers input movie
// files under a session's watch path and reports only those that have
// settled (stopped growing), so the orchestrator never submits an Import
// job against a file still being written by the microscope (spec.md §4.5).
package watcher

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// osStat is overridable in tests.
var osStat = os.Stat

// snapshot is the size/mtime pair recorded for one candidate file on a poll.
type snapshot struct {
	size    int64
	modTime time.Time
}

// Watcher polls a directory for files matching Glob and reports a file
// as settled only once two successive polls see the same size and mtime
// (spec.md §4.5 settle detection). An fsnotify watch on the directory
// supplements the poll loop with a fast wake-up; fsnotify events never
// themselves constitute settlement.
type Watcher struct {
	root       string
	glob       string
	mode       Mode
	pollEvery  time.Duration

	fsWatcher *fsnotify.Watcher // nil if unavailable; fsnotify is a fast path, not a requirement

	mu       sync.Mutex
	last     map[string]snapshot
	settled  map[string]bool
	idleTicks int // for Mode existing: consecutive polls with nothing new
}

// Mode mirrors model.InputMode without importing internal/model, keeping
// this package usable standalone.
type Mode string

const (
	ModeWatch    Mode = "watch"
	ModeExisting Mode = "existing"
)

// Event reports one newly settled file.
type Event struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// New constructs a Watcher. pollEvery defaults to 5s per spec.md §4.5 if 0.
func New(root, glob string, mode Mode, pollEvery time.Duration) *Watcher {
	if pollEvery <= 0 {
		pollEvery = 5 * time.Second
	}
	w := &Watcher{
		root:      root,
		glob:      glob,
		mode:      mode,
		pollEvery: pollEvery,
		last:      make(map[string]snapshot),
		settled:   make(map[string]bool),
	}
	if fw, err := fsnotify.NewWatcher(); err == nil {
		if err := fw.Add(root); err == nil {
			w.fsWatcher = fw
		} else {
			log.Printf("watcher: fsnotify watch on %s unavailable, polling only: %v", root, err)
			fw.Close()
		}
	} else {
		log.Printf("watcher: fsnotify unavailable, polling only: %v", err)
	}
	return w
}

// Close releases the fsnotify watch, if any.
func (w *Watcher) Close() error {
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

// IdleTicks reports how many consecutive polls produced no newly settled
// file, used by the orchestrator to detect "existing" mode natural
// completion after two idle ticks (spec.md §4.1 step 6).
func (w *Watcher) IdleTicks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.idleTicks
}

// Run polls until ctx is cancelled, sending one Event per newly settled
// file on out. out should be buffered or drained promptly; Run blocks on
// send so no settled file is ever silently dropped (unlike progress
// events on the Progress Bus, settlement must be exactly-once and
// reliable for the orchestrator's pass algorithm).
func (w *Watcher) Run(ctx context.Context, out chan<- Event) {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	w.pollOnce(ctx, out)

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if w.fsWatcher != nil {
		fsEvents = w.fsWatcher.Events
		fsErrors = w.fsWatcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx, out)
		case _, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			// fsnotify only wakes the poll early; settlement is still
			// decided by two stable polls, never by the event itself.
			w.pollOnce(ctx, out)
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			log.Printf("watcher: fsnotify error on %s: %v", w.root, err)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context, out chan<- Event) {
	candidates, err := w.discover()
	if err != nil {
		log.Printf("watcher: discover %s: %v", w.root, err)
		return
	}

	w.mu.Lock()
	var newlySettled []Event
	current := make(map[string]snapshot, len(candidates))
	for path, snap := range candidates {
		current[path] = snap
		if w.settled[path] {
			continue
		}
		prev, seen := w.last[path]
		if seen && prev.size == snap.size && prev.modTime.Equal(snap.modTime) {
			w.settled[path] = true
			newlySettled = append(newlySettled, Event{Path: path, Size: snap.size, ModTime: snap.modTime})
		}
	}
	w.last = current
	if len(newlySettled) == 0 {
		w.idleTicks++
	} else {
		w.idleTicks = 0
	}
	w.mu.Unlock()

	sort.Slice(newlySettled, func(i, j int) bool { return newlySettled[i].Path < newlySettled[j].Path })
	for _, e := range newlySettled {
		select {
		case out <- e:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) discover() (map[string]snapshot, error) {
	pattern := filepath.Join(w.root, w.glob)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	result := make(map[string]snapshot, len(matches))
	for _, path := range matches {
		info, statErr := osStat(path)
		if statErr != nil {
			continue // file vanished between Glob and Stat; skip this poll
		}
		if info.IsDir() {
			continue
		}
		result[path] = snapshot{size: info.Size(), modTime: info.ModTime()}
	}
	return result, nil
}
