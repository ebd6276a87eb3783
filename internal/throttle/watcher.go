package throttle

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"
)

// rulesFile is the on-disk YAML layout for live admission tuning.
type rulesFile struct {
	AllowPercentages map[string]int `yaml:"allowPercentages"`
}

// Watcher feeds rule updates from a YAML file into a Gate whenever the file
// changes. The file's directory is watched so editor save-by-rename still
// triggers a reload.
type Watcher struct {
	path    string
	gate    *Gate
	logger  pslog.Logger
	watcher *fsnotify.Watcher
	stop    chan struct{}
	once    sync.Once
}

// WatchFile loads path into gate and keeps it loaded across file changes.
// A missing file is not an error; the gate stays on its current rules until
// the file appears.
func WatchFile(path string, gate *Gate, logger pslog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("throttle: rules path is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("throttle: gate is required")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("throttle: resolve rules path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("throttle: create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("throttle: watch %q: %w", filepath.Dir(abs), err)
	}
	w := &Watcher{
		path:    abs,
		gate:    gate,
		logger:  logger,
		watcher: fsw,
		stop:    make(chan struct{}),
	}
	w.reload()
	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.once.Do(func() {
		close(w.stop)
	})
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("throttle.watch_error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	rules, err := LoadRules(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.logger.Warn("throttle.reload_failed", "path", w.path, "error", err)
		return
	}
	w.gate.Update(rules)
	w.logger.Info("throttle.rules_loaded", "path", w.path, "keys", len(rules))
}

// LoadRules reads a YAML rules file.
func LoadRules(path string) (Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("throttle: parse %q: %w", path, err)
	}
	return Rules(file.AllowPercentages), nil
}
