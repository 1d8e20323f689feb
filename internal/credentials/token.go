// Package credentials loads the tracker access token from an operator-owned
// file and keeps it current when the file is rotated.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrMissingToken is returned when the token file does not exist or is empty.
// It is the one startup condition the pipeline treats as fatal.
var ErrMissingToken = errors.New("token file missing or empty")

// FileToken is a TokenSource backed by a file on disk.
type FileToken struct {
	path string

	mu    sync.RWMutex
	token string
}

// LoadFileToken reads and trims the token at path.
func LoadFileToken(path string) (*FileToken, error) {
	tok, err := readToken(path)
	if err != nil {
		return nil, err
	}
	return &FileToken{path: path, token: tok}, nil
}

// Token returns the current token.
func (f *FileToken) Token() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.token
}

// Path returns the file the token was loaded from.
func (f *FileToken) Path() string {
	return f.path
}

// Reload re-reads the token file. On failure the previous token is kept.
func (f *FileToken) Reload() error {
	tok, err := readToken(f.path)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.token = tok
	f.mu.Unlock()
	return nil
}

// Watch reloads the token whenever the file is written or replaced, until ctx
// is cancelled. The parent directory is watched because editors and secret
// managers usually swap the file by rename.
func (f *FileToken) Watch(ctx context.Context, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create token watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	base := filepath.Base(f.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := f.Reload(); err != nil {
				log.Warn("token reload failed, keeping previous token", "path", f.path, "error", err)
				continue
			}
			log.Info("token reloaded", "path", f.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("token watcher error", "error", err)
		}
	}
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-controlled path
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrMissingToken, path)
		}
		return "", fmt.Errorf("failed to read token file %s: %w", path, err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingToken, path)
	}
	return tok, nil
}
