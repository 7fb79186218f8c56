package config

import (
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a ServerConfig file, adapted from the teacher's
// cmd/vision3/config_watcher.go: debounced writes, a single watched path,
// atomic swap under a mutex.
type Watcher struct {
	mu       sync.RWMutex
	path     string
	current  ServerConfig
	watcher  *fsnotify.Watcher
	done     chan struct{}
	OnReload func(ServerConfig)
}

// NewWatcher starts watching path for changes, loading the initial config
// synchronously.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		log.Printf("WARN: config: failed to watch %s: %v", path, err)
	}
	w := &Watcher{path: path, current: cfg, watcher: fw, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() ServerConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stop terminates the watcher goroutine and closes the underlying fsnotify
// watcher.
func (w *Watcher) Stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.watcher.Close()
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	const debounceDuration = 500 * time.Millisecond

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("ERROR: config: watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Printf("ERROR: config: reload of %s failed: %v", w.path, err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	log.Printf("INFO: config: reloaded %s", w.path)
	if w.OnReload != nil {
		w.OnReload(cfg)
	}
}
