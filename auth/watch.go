package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// LoadFile reads a token file into store. A missing file clears it; an empty
// file, usually seen mid-write, leaves the store unchanged.
func LoadFile(fs afero.Fs, path string, store *Store) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			store.Clear()
			return nil
		}
		return fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil
	}
	store.Set(token)
	return nil
}

// WatchFile loads path and keeps store in sync with it until ctx is done.
// Writes and creates set the token; removes and renames clear it.
func WatchFile(ctx context.Context, fs afero.Fs, path string, store *Store, logger *log.Logger) error {
	if logger == nil {
		logger = log.StandardLogger()
	}
	path = filepath.Clean(path)
	if err := LoadFile(fs, path, store); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("token watcher: %w", err)
	}
	// the directory is watched so editors that replace the file are seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("token watcher: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				switch {
				case ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create):
					if err := LoadFile(fs, path, store); err != nil {
						logger.WithError(err).Warn("token file reload failed")
					}
				case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
					logger.WithField("path", path).Info("token file removed; clearing credential")
					store.Clear()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("token watcher error")
			}
		}
	}()
	return nil
}
