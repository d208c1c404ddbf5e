// Copyright 2024 The llmbatch Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llmbatch

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/dancing-ui/llmbatch/logging"
)

// WatchConfigFile hot-reloads the quota table whenever the config file
// changes on disk. Invalid intermediate states are ignored with a warning,
// keeping the previous configuration live. The watcher stops when ctx is
// cancelled.
//
// The parent directory is watched rather than the file itself, so that
// editors replacing the file via rename are still observed.
func WatchConfigFile(ctx context.Context, path string, sc *SafeConfig, logger logging.Logger) error {
	if sc == nil {
		return errors.New("safe config is nil")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create config watcher")
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "failed to watch config directory %s", dir)
	}
	target := filepath.Base(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := LoadConfigFromFile(path)
				if err != nil {
					logger.Warn("ignoring config reload, file is not loadable", "path", path, "reason", err.Error())
					continue
				}
				if err := sc.SetConfig(cfg); err != nil {
					logger.Warn("ignoring config reload, new config rejected", "path", path, "reason", err.Error())
					continue
				}
				logger.Info("config reloaded", "path", path, "config", cfg.String())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "path", path, "error", err.Error())
			}
		}
	}()
	return nil
}
