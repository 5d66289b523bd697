package commands

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/edgefleet/edgefleet/internal/config"
)

// Watcher hot-reloads command modules when their files change. Events for
// one path debounce into a single pending action, and all actions run on
// one worker, so reloads are serialized.
type Watcher struct {
	plane   *Plane
	dir     string
	delay   time.Duration
	retries int

	watcher  *fsnotify.Watcher
	actions  chan fileAction
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
}

type fileAction struct {
	path string
	op   func(string)
}

// NewWatcher builds a watcher over the plane's module directory.
func NewWatcher(plane *Plane, cfg config.PluginsConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	delay := config.Seconds(cfg.ReloadDelay)
	if delay <= 0 {
		delay = time.Second
	}
	return &Watcher{
		plane:    plane,
		dir:      cfg.Directory,
		delay:    delay,
		retries:  cfg.MaxLoadRetries,
		watcher:  fsw,
		actions:  make(chan fileAction, 16),
		stopChan: make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Start begins watching the module directory.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.wg.Add(2)
	go w.loop()
	go w.worker()
	log.Info().Str("dir", w.dir).Dur("debounce", w.delay).Msg("Watching command modules for changes")
	return nil
}

// Stop halts the watcher and cancels pending debounce timers. Safe to call
// more than once.
func (w *Watcher) Stop() {
	select {
	case <-w.stopChan:
		return
	default:
		close(w.stopChan)
	}
	w.watcher.Close()

	w.mu.Lock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isModuleFile(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				w.schedule(event.Name, w.reload)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.schedule(event.Name, w.unload)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Module watcher error")

		case <-w.stopChan:
			return
		}
	}
}

// worker drains debounced actions one at a time.
func (w *Watcher) worker() {
	defer w.wg.Done()
	for {
		select {
		case a := <-w.actions:
			a.op(a.path)
		case <-w.stopChan:
			return
		}
	}
}

// schedule arms (or re-arms) the path's debounce timer. The latest event
// for a path decides the action that eventually fires.
func (w *Watcher) schedule(path string, action func(string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case w.actions <- fileAction{path: path, op: action}:
		case <-w.stopChan:
		}
	})
}

// reload replaces the module loaded from the file, retrying a failed load
// up to the configured limit. Retries absorb partial writes from editors
// that emit several events per save.
func (w *Watcher) reload(path string) {
	for attempt := 0; ; attempt++ {
		res := w.plane.Reload(context.Background(), path)
		if res.Success {
			return
		}
		if attempt >= w.retries {
			log.Error().Err(res.Err).Str("path", path).Int("attempts", attempt+1).Msg("Module reload gave up")
			return
		}
		log.Warn().Err(res.Err).Str("path", path).Int("attempt", attempt+1).Msg("Module reload failed, retrying")
		select {
		case <-time.After(w.delay):
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) unload(path string) {
	w.plane.UnloadPath(path)
}
