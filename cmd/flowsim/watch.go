package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rendis/flowsim/internal/validation"
	"github.com/rendis/flowsim/pkg/schema"
)

// fileSource re-reads a flow file on every validation and falls back to the
// last document that parsed while the file is mid-save or broken.
type fileSource struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	last schema.FlowData
}

func (f *fileSource) FlowData() schema.FlowData {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if err == nil {
		var data schema.FlowData
		if data, err = validation.ParseFlowData(raw); err == nil {
			f.last = data
			return data.Clone()
		}
	}
	f.logger.Warn("flow file not reloaded", "path", f.path, "error", err)
	return f.last.Clone()
}

// watchFlowFile validates path now and again after every burst of writes,
// until ctx is done. The parent directory is watched so editors that save by
// rename are followed.
func watchFlowFile(ctx context.Context, path string, v *validation.Validator, out io.Writer, logger *slog.Logger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	var printMu sync.Mutex
	report := func(ws []schema.Warning) {
		printMu.Lock()
		defer printMu.Unlock()
		fmt.Fprintf(out, "\n[%s] %s\n", time.Now().Format("15:04:05"), filepath.Base(abs))
		printWarnings(out, ws, validation.Summarize(ws))
	}

	watcher := validation.NewWatcher(ctx, v, &fileSource{path: abs, logger: logger}, validation.DefaultQuietPeriod, report)
	defer watcher.Stop()
	watcher.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				watcher.Notify()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("file watcher error", "error", err)
		}
	}
}
