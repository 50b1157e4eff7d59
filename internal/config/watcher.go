package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher reloads the configuration file when it changes on disk and hands
// the sanitized result to a callback.
type Watcher struct {
	path     string
	onReload func(*Config)
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, onReload func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		onReload: onReload,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start watches the parent directory so editors that replace the file are seen.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	target := filepath.Clean(w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors emit bursts of events for one save.
			time.Sleep(100 * time.Millisecond)
			cfg, err := LoadConfig(w.path)
			if err != nil {
				log.Errorf("Failed to reload config %s: %v", w.path, err)
				continue
			}
			log.Infof("Config %s changed, reloaded", w.path)
			if w.onReload != nil {
				w.onReload(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("Config watcher error: %v", err)
		case <-w.stop:
			return
		}
	}
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		if w.watcher != nil {
			w.watcher.Close()
			<-w.done
		}
	})
}
