// Copyright 2025 Tom Barlow
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

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the bursts of write events editors and atomic
// renames produce into a single reload.
const debounceWindow = 250 * time.Millisecond

// Watch reloads the config file whenever it changes and calls onChange with
// the new configuration. Invalid intermediate states are skipped; the last
// valid configuration stays in effect. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: atomic saves replace the inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(debounceWindow)
				pendingC = pending.C
			} else {
				pending.Reset(debounceWindow)
			}
		case <-pendingC:
			pending = nil
			pendingC = nil
			cfg, err := Load(path)
			if err != nil {
				continue
			}
			onChange(cfg)
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}
