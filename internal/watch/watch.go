// Package watch keeps the vector index and duplicate registry in step with
// notes removed or renamed outside razor.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/duplicate"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/vault"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/vector"
)

// Config controls the vault watcher.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Ignore lists vault-relative glob patterns that are never watched.
	Ignore []string `yaml:"ignore"`
}

// DefaultConfig watches everything except Obsidian's own state and trash.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Ignore:  []string{".obsidian/**", ".trash/**", ".git/**"},
	}
}

// Validate checks the ignore patterns.
func (c Config) Validate() error {
	for _, p := range c.Ignore {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid ignore pattern %q", p)
		}
	}
	return nil
}

// Watcher drops index entries and duplicate pairs for notes that vanish.
type Watcher struct {
	cfg      Config
	vault    *vault.Vault
	index    *vector.Index
	registry *duplicate.Registry
	logger   *zap.Logger
}

// New creates a watcher over v.
func New(cfg Config, v *vault.Vault, idx *vector.Index, reg *duplicate.Registry, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{cfg: cfg, vault: v, index: idx, registry: reg, logger: logger}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.vault.Root()); err != nil {
		return err
	}
	w.logger.Info("watching vault", zap.String("root", w.vault.Root()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// addTree watches dir and every non-ignored directory below it; fsnotify
// is not recursive.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if rel, relErr := w.vault.Rel(p); relErr == nil && rel != "." && w.ignored(rel) {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) ignored(rel string) bool {
	for _, p := range w.cfg.Ignore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, event fsnotify.Event) {
	rel, err := w.vault.Rel(event.Name)
	if err != nil || w.ignored(rel) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(fw, event.Name); err != nil {
				w.logger.Warn("watch new directory", zap.String("path", rel), zap.Error(err))
			}
		}
		return
	}
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if !strings.EqualFold(filepath.Ext(rel), ".md") {
		return
	}
	// Atomic saves replace the file in place.
	if _, err := os.Stat(event.Name); err == nil {
		return
	}
	w.forget(ctx, rel)
}

// forget removes the node stored at path from the index and registry.
func (w *Watcher) forget(ctx context.Context, path string) {
	entry, ok := w.index.FindByPath(path)
	if !ok {
		return
	}
	w.index.Delete(entry.NodeID)
	removed := w.registry.RemovePairsForNode(entry.NodeID)
	w.logger.Info("note removed from vault",
		zap.String("path", path),
		zap.String("node_id", entry.NodeID),
		zap.Int("pairs_removed", removed))

	if err := w.index.Persist(ctx); err != nil {
		w.logger.Warn("persist index", zap.Error(err))
	}
	if err := w.registry.Persist(ctx); err != nil {
		w.logger.Warn("persist duplicates", zap.Error(err))
	}
}
