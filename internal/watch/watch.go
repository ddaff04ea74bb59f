// Package watch re-analyzes a local model whenever it, a local buffer or
// image it references, or one of its mapped resource files changes on disk.
package watch

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Faultbox/modelstats/internal/resource"
	"github.com/Faultbox/modelstats/internal/session"
	"github.com/Faultbox/modelstats/pkg/gltf"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// Options configure a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *zap.Logger
}

// Watcher triggers session analyses for one model file.
type Watcher struct {
	path     string
	fileMap  map[string]string
	sess     *session.Session
	debounce time.Duration
	log      *zap.Logger

	mu    sync.Mutex
	files map[string]bool
}

// New creates a watcher for the model at path. Local entries of fileMap
// are watched too.
func New(path string, fileMap map[string]string, sess *session.Session, opts Options) *Watcher {
	w := &Watcher{
		path:     path,
		fileMap:  fileMap,
		sess:     sess,
		debounce: opts.Debounce,
		log:      opts.Logger,
		files:    make(map[string]bool),
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.log == nil {
		w.log = zap.NewNop()
	}

	w.addFile(path)
	for _, target := range fileMap {
		if !resource.IsAbsolute(target) {
			w.addFile(target)
		}
	}
	w.scanReferences()
	return w
}

// scanReferences adds the local buffer and image files the model refers to.
// An unreadable or malformed model is skipped; the analysis reports it.
func (w *Watcher) scanReferences() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	c, err := gltf.ParseContainer(data)
	if err != nil {
		w.log.Debug("not scanning references", zap.String("path", w.path), zap.Error(err))
		return
	}

	var refs []string
	for _, b := range c.Doc.Buffers {
		refs = append(refs, b.URI)
	}
	for _, img := range c.Doc.Images {
		refs = append(refs, img.URI)
	}

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return
	}
	base := resource.BasePath(filepath.ToSlash(abs))
	for _, ref := range refs {
		if ref == "" || resource.IsDataURI(ref) {
			continue
		}
		loc := resource.Resolve(ref, base, w.fileMap)
		if resource.IsAbsolute(loc) {
			continue
		}
		if i := strings.IndexAny(loc, "?#"); i >= 0 {
			loc = loc[:i]
		}
		if p, err := url.PathUnescape(loc); err == nil {
			loc = p
		}
		w.addFile(filepath.FromSlash(loc))
	}
}

func (w *Watcher) addFile(p string) {
	if abs, err := filepath.Abs(p); err == nil {
		w.mu.Lock()
		w.files[abs] = true
		w.mu.Unlock()
	}
}

// Files returns the watched file set.
func (w *Watcher) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for f := range w.files {
		out = append(out, f)
	}
	return out
}

// Run analyzes the model once, then again after every debounced change,
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	// Directories are watched rather than files so that editors which
	// replace files on save keep being tracked.
	dirs := make(map[string]bool)
	if err := w.watchDirs(fw, dirs); err != nil {
		return err
	}

	if err := w.trigger(ctx); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.log.Debug("change detected", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))

		case <-fire:
			fire = nil
			// The model may reference new files after an edit.
			w.scanReferences()
			if err := w.watchDirs(fw, dirs); err != nil {
				return err
			}
			if err := w.trigger(ctx); err != nil {
				return err
			}
		}
	}
}

// watchDirs adds the directory of every watched file not yet in dirs. Only
// the model's own directory must be watchable; others are logged and skipped.
func (w *Watcher) watchDirs(fw *fsnotify.Watcher, dirs map[string]bool) error {
	modelDir := ""
	if abs, err := filepath.Abs(w.path); err == nil {
		modelDir = filepath.Dir(abs)
	}
	for _, f := range w.Files() {
		dir := filepath.Dir(f)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			if dir == modelDir {
				return fmt.Errorf("watching %s: %w", dir, err)
			}
			w.log.Warn("cannot watch directory", zap.String("dir", dir), zap.Error(err))
		}
		dirs[dir] = true
		w.log.Debug("watching", zap.String("dir", dir))
	}
	return nil
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[abs]
}

func (w *Watcher) trigger(ctx context.Context) error {
	id, err := w.sess.Analyze(ctx, w.path, w.fileMap)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("submitting analysis: %w", err)
	}
	w.log.Info("analysis requested", zap.Int64("request_id", id), zap.String("path", w.path))
	return nil
}
