// Package watch triggers pipeline runs when spreadsheet exports change on
// disk.
package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Run watches dir for CSV writes and invokes trigger after events settle for
// the debounce interval. It blocks until ctx is cancelled.
func Run(ctx context.Context, dir string, debounce time.Duration, log *zap.Logger, trigger func(context.Context)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log.Info("watching for csv changes", zap.String("dir", dir), zap.Duration("debounce", debounce))

	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".csv") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug("csv changed", zap.String("file", event.Name))
			// Restart the debounce window on every event so a burst of
			// writes produces one run.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", zap.Error(err))

		case <-pending:
			trigger(ctx)
		}
	}
}
