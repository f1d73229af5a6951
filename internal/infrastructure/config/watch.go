package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// RoutingWatcher reloads the routing file on every write and hands the
// rebuilt table to onReload. Editors often replace a file rather than
// writing in place (rename over it), so both Write and Create are treated
// as reload triggers; Remove is ignored since a config deploy typically
// creates the new file before removing the old one, not the reverse.
type RoutingWatcher struct {
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	onReload func(*pipeline.RoutingTable, *RoutingFile)
	stopCh   chan struct{}
}

// NewRoutingWatcher starts watching the directory containing path (fsnotify
// watches directories, not bare files, so a replace-the-file deploy is
// still observed) and calls onReload with every successfully parsed table.
// A parse failure is logged and the previous table is left in place.
func NewRoutingWatcher(path string, logger *zap.Logger, onReload func(*pipeline.RoutingTable, *RoutingFile)) (*RoutingWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	rw := &RoutingWatcher{
		path:     path,
		logger:   logger.With(zap.String("component", "routing-watcher")),
		watcher:  w,
		onReload: onReload,
		stopCh:   make(chan struct{}),
	}
	go rw.run()
	return rw, nil
}

func (rw *RoutingWatcher) run() {
	var debounce *time.Timer
	for {
		select {
		case <-rw.stopCh:
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(rw.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, rw.reload)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (rw *RoutingWatcher) reload() {
	rf, err := LoadRoutingFile(rw.path)
	if err != nil {
		rw.logger.Error("routing file reload failed, keeping previous table", zap.Error(err))
		return
	}
	table, err := BuildTable(rf)
	if err != nil {
		rw.logger.Error("routing file reload produced an invalid table, keeping previous table", zap.Error(err))
		return
	}
	rw.logger.Info("routing table reloaded", zap.String("path", rw.path))
	rw.onReload(table, rf)
}

// Close stops the watcher.
func (rw *RoutingWatcher) Close() error {
	close(rw.stopCh)
	return rw.watcher.Close()
}
