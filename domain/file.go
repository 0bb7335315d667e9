package domain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// File is the on-disk domain catalog.
type File struct {
	Options `yaml:",inline"`
	Domains []Domain `yaml:"domains"`
}

// LoadFile reads and validates a domain catalog.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read domain file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse domain file: %w", err)
	}
	seen := make(map[string]bool, len(f.Domains))
	for i, d := range f.Domains {
		if d.ID == "" {
			return File{}, fmt.Errorf("domain file: entry %d has no id", i)
		}
		if seen[d.ID] {
			return File{}, fmt.Errorf("domain file: duplicate id %q", d.ID)
		}
		seen[d.ID] = true
		for _, r := range d.Rules {
			if r.Type != RuleClick && r.Type != RuleImpression {
				return File{}, fmt.Errorf("domain %q: rule %q has unknown type %q", d.ID, r.Name, r.Type)
			}
		}
	}
	return f, nil
}

// LoadCatalog builds a Catalog from the file at path.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewCatalog(f.Domains, f.Options), nil
}

// Watch reloads c whenever the file at path changes, until ctx is done.
// A file that fails to load leaves the previous contents in place.
func Watch(ctx context.Context, path string, c *Catalog, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		var timer *time.Timer
		reload := func() {
			f, err := LoadFile(path)
			if err != nil {
				logger.Warn("domain file reload failed", "path", path, "error", err)
				return
			}
			c.Replace(f.Domains, f.Options)
			logger.Info("domain file reloaded", "path", path, "domains", len(f.Domains))
		}
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				// Debounce bursts of events from a single save
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(100*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("domain file watch error", "error", err)
			}
		}
	}()
	return nil
}
