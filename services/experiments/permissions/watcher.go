// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package permissions

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher reloads a Gate's policy when its file changes.
//
// # Description
//
// The parent directory is watched rather than the file itself so that
// editors which replace the file by rename are still observed. A policy
// that fails to load or validate is logged and the previous policy stays
// in force.
//
// # Thread Safety
//
// Start should only be called once.
type PolicyWatcher struct {
	path     string
	gate     *Gate
	watcher  *fsnotify.Watcher
	onReload func(error)
}

// NewPolicyWatcher creates a watcher for path that updates gate.
//
// # Inputs
//
//   - path: Policy YAML file.
//   - gate: Gate to update.
//   - onReload: Optional; called after every reload attempt with its error.
func NewPolicyWatcher(path string, gate *Gate, onReload func(error)) (*PolicyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &PolicyWatcher{path: abs, gate: gate, watcher: w, onReload: onReload}, nil
}

// Start processes file events until ctx is cancelled or Stop is called.
// Run it in a goroutine.
func (w *PolicyWatcher) Start(ctx context.Context) {
	slog.Debug("Started watching permission policy", "path", w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Permission policy watcher error", "error", err)

		case <-ctx.Done():
			slog.Debug("Permission policy watcher stopping")
			return
		}
	}
}

func (w *PolicyWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	p, err := LoadPolicyFile(w.path)
	if err != nil {
		slog.Warn("Keeping previous permission policy", "path", w.path, "error", err)
	} else {
		w.gate.SetPolicy(p)
		slog.Info("Reloaded permission policy", "path", w.path, "roles", len(p.Roles))
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}

// Stop releases the watcher. Safe to call multiple times.
func (w *PolicyWatcher) Stop() error {
	return w.watcher.Close()
}
