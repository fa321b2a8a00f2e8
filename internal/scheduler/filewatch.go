package scheduler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/harrison/claudecron/internal/logger"
	"github.com/harrison/claudecron/internal/models"
)

// writeSettleInterval is the minimum quiet period during which a
// changed file's size must hold steady before the event fires, so
// half-written files do not trigger tasks.
const writeSettleInterval = 500 * time.Millisecond

// writeSettleAttempts bounds the stability wait for files under
// sustained write load.
const writeSettleAttempts = 6

// FileWatchSource attaches one recursive filesystem watcher per
// file_watch-triggered task. Dotfiles are ignored, the optional glob
// pattern filters on basename, and a per-task debounce window collapses
// event bursts to a single fire.
type FileWatchSource struct {
	dispatcher Dispatcher
	log        logger.Logger

	mu      sync.Mutex
	watches map[string]*taskWatch
	wg      sync.WaitGroup
}

// taskWatch is the per-task watcher state.
type taskWatch struct {
	taskID   string
	taskName string
	root     string
	pattern  string
	debounce time.Duration

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc

	mu        sync.Mutex
	lastFired time.Time
}

// NewFileWatchSource creates a file watch source.
func NewFileWatchSource(d Dispatcher, log logger.Logger) *FileWatchSource {
	return &FileWatchSource{
		dispatcher: d,
		log:        logger.OrNop(log),
		watches:    make(map[string]*taskWatch),
	}
}

// Schedule attaches a recursive watcher to the task's path, replacing
// any existing watch for the task.
func (fw *FileWatchSource) Schedule(task *models.Task) error {
	root := task.Trigger.Path
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("watch path %s: %w", root, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := addRecursive(watcher, root); err != nil {
		watcher.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	tw := &taskWatch{
		taskID:   task.ID,
		taskName: task.Name,
		root:     root,
		pattern:  task.Trigger.Pattern,
		debounce: task.Trigger.DebounceDuration(),
		watcher:  watcher,
		cancel:   cancel,
	}

	fw.mu.Lock()
	if old, ok := fw.watches[task.ID]; ok {
		old.cancel()
		old.watcher.Close()
	}
	fw.watches[task.ID] = tw
	fw.mu.Unlock()

	fw.wg.Add(1)
	go fw.loop(ctx, tw)

	fw.log.Debugf("watching %s for task %s (%s)", root, task.Name, task.ID)
	return nil
}

// Unschedule closes the task's watcher.
func (fw *FileWatchSource) Unschedule(taskID string) {
	fw.mu.Lock()
	tw, ok := fw.watches[taskID]
	if ok {
		delete(fw.watches, taskID)
	}
	fw.mu.Unlock()

	if ok {
		tw.cancel()
		tw.watcher.Close()
	}
}

// Stop closes every watcher and waits for the event loops to exit.
func (fw *FileWatchSource) Stop() {
	fw.mu.Lock()
	for id, tw := range fw.watches {
		tw.cancel()
		tw.watcher.Close()
		delete(fw.watches, id)
	}
	fw.mu.Unlock()
	fw.wg.Wait()
}

// addRecursive walks root and watches every non-hidden directory.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func (fw *FileWatchSource) loop(ctx context.Context, tw *taskWatch) {
	defer fw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			fw.handleEvent(ctx, tw, event)
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Warnf("watcher error for task %s: %v", tw.taskName, err)
		}
	}
}

func (fw *FileWatchSource) handleEvent(ctx context.Context, tw *taskWatch, event fsnotify.Event) {
	// Newly created directories join the watch so the tree stays
	// recursive.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !hasHiddenSegment(event.Name, tw.root) {
				_ = addRecursive(tw.watcher, event.Name)
			}
			return
		}
	}

	if hasHiddenSegment(event.Name, tw.root) {
		return
	}
	if tw.pattern != "" {
		if ok, err := filepath.Match(tw.pattern, filepath.Base(event.Name)); err != nil || !ok {
			return
		}
	}

	if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
		waitWriteStable(ctx, event.Name)
	}

	tw.mu.Lock()
	if tw.debounce > 0 && time.Since(tw.lastFired) < tw.debounce {
		tw.mu.Unlock()
		return
	}
	tw.lastFired = time.Now()
	tw.mu.Unlock()

	dispatchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := fw.dispatcher.Dispatch(dispatchCtx, tw.taskID, models.OriginFileWatch, map[string]interface{}{
		"event":     strings.ToLower(event.Op.String()),
		"file_path": event.Name,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		fw.log.Errorf("file watch dispatch of task %s failed: %v", tw.taskName, err)
	}
}

// hasHiddenSegment reports whether any path segment below root starts
// with a dot.
func hasHiddenSegment(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg != "." && seg != ".." && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// waitWriteStable blocks until the file size holds steady across one
// settle interval, or the attempt budget runs out.
func waitWriteStable(ctx context.Context, path string) {
	var lastSize int64 = -1
	for i := 0; i < writeSettleAttempts; i++ {
		info, err := os.Stat(path)
		if err != nil {
			return // gone already; let the event through as-is
		}
		if info.Size() == lastSize {
			return
		}
		lastSize = info.Size()

		select {
		case <-ctx.Done():
			return
		case <-time.After(writeSettleInterval):
		}
	}
}
