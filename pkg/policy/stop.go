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

package policy

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// EnvEmergencyStop is the environment variable consulted at startup.
const EnvEmergencyStop = "WORKFLOW_EMERGENCY_STOP"

// EmergencyStop is the process-wide kill switch. It is a single shared
// atomic initialized once from the environment; propagation is
// best-effort, checked at each step start. Hot reload comes from
// watching a stop file rather than re-reading the environment.
type EmergencyStop struct {
	engaged atomic.Bool
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewEmergencyStop creates a stop toggle initialized from the
// WORKFLOW_EMERGENCY_STOP environment variable.
func NewEmergencyStop(logger *slog.Logger) *EmergencyStop {
	if logger == nil {
		logger = slog.Default()
	}
	s := &EmergencyStop{logger: logger}
	if isTruthy(os.Getenv(EnvEmergencyStop)) {
		s.engaged.Store(true)
	}
	return s
}

// Engaged reports whether the stop is currently engaged.
func (s *EmergencyStop) Engaged() bool {
	return s.engaged.Load()
}

// Set engages or clears the stop from the control plane.
func (s *EmergencyStop) Set(engaged bool) {
	prev := s.engaged.Swap(engaged)
	if prev != engaged {
		s.logger.Warn("emergency stop toggled", "engaged", engaged)
	}
}

// WatchFile starts watching path: the stop is engaged while the file
// exists and cleared when it is removed. The watch covers the parent
// directory so creation of a not-yet-existing file is observed. Stop
// the watch with Close.
func (s *EmergencyStop) WatchFile(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	// Initial state from the filesystem.
	if _, err := os.Stat(path); err == nil {
		s.Set(true)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				switch {
				case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
					s.Set(true)
				case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
					s.Set(false)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("emergency stop watcher error", "error", err)
			}
		}
	}()

	return nil
}

// Close stops the file watch, if any.
func (s *EmergencyStop) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
