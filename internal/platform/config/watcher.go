package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"audittrail/pkg/platform/concurrent"
)

// PolicyFile is the live-tunable part of the executor configuration.
type PolicyFile struct {
	RejectionPolicy string `yaml:"rejection_policy"`
}

// LoadPolicy reads the rejection policy named in a YAML policy file.
func LoadPolicy(path string) (concurrent.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read policy file: %w", err)
	}
	var f PolicyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("failed to parse policy file: %w", err)
	}
	p, err := concurrent.ParsePolicy(strings.TrimSpace(f.RejectionPolicy))
	if err != nil {
		return "", fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// PolicyTarget is satisfied by *concurrent.TrackedExecutor.
type PolicyTarget interface {
	SetRejectionPolicy(p concurrent.RejectionPolicy)
}

const defaultDebounce = 500 * time.Millisecond

// PolicyWatcher swaps the executor's rejection policy whenever the policy
// file changes. Invalid files are logged and the current policy is kept.
type PolicyWatcher struct {
	path     string
	target   PolicyTarget
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	applied chan concurrent.Policy
}

// NewPolicyWatcher watches path on behalf of target.
func NewPolicyWatcher(path string, target PolicyTarget, logger *slog.Logger) *PolicyWatcher {
	return &PolicyWatcher{path: path, target: target, logger: logger, debounce: defaultDebounce}
}

// Reload applies the policy currently in the file.
func (w *PolicyWatcher) Reload() (concurrent.Policy, error) {
	p, err := LoadPolicy(w.path)
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.target.SetRejectionPolicy(p)
	if w.applied != nil {
		select {
		case w.applied <- p:
		default:
		}
	}
	return p, nil
}

// Run applies the file once and then on every write until ctx is cancelled.
// The directory is watched so editors that replace the file are seen.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	if _, err := w.Reload(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(w.debounce, func() {
					p, err := w.Reload()
					if err != nil {
						w.logger.Error("rejection policy reload failed", "path", w.path, "error", err)
						return
					}
					w.logger.Info("rejection policy reloaded", "path", w.path, "policy", p.String())
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}
