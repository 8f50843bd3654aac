package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/danieldc/QuickTorrent/internal/domain"
)

// WatchDir opens a session for every .torrent file dropped into Dir. Files
// are removed once their session is open, or when it was already open.
type WatchDir struct {
	Manager *Manager
	Dir     string
	Logger  *slog.Logger
}

// Run picks up files already in the directory, then watches it until ctx is
// cancelled.
func (w WatchDir) Run(ctx context.Context) error {
	if strings.TrimSpace(w.Dir) == "" {
		return errors.New("watch dir is required")
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}
	w.logger().Info("watching for torrent files", slog.String("dir", w.Dir))

	w.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isTorrentFile(event.Name) {
				continue
			}
			w.load(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger().Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// Scan loads every .torrent file currently in the directory.
func (w WatchDir) Scan(ctx context.Context) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		w.logger().Warn("scan watch dir failed", slog.String("error", err.Error()))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isTorrentFile(entry.Name()) {
			continue
		}
		w.load(ctx, filepath.Join(w.Dir, entry.Name()))
	}
}

// load reports whether the file was consumed. A file that does not parse is
// left in place; it may still be being written.
func (w WatchDir) load(ctx context.Context, path string) bool {
	logger := w.logger().With(slog.String("file", filepath.Base(path)))

	st, err := os.Stat(path)
	if err != nil || st.IsDir() || st.Size() == 0 {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("read torrent file failed", slog.String("error", err.Error()))
		return false
	}

	s, err := w.Manager.Open(ctx, OpenInput{Source: domain.TorrentSource{Descriptor: data}})
	switch {
	case err == nil:
		logger.Info("torrent added from watch dir", slog.String("infoHash", s.InfoHash().HexString()))
	case errors.Is(err, domain.ErrAlreadyRegistered):
		logger.Debug("torrent from watch dir already open")
	case errors.Is(err, domain.ErrInvalidSource):
		logger.Debug("torrent file not loadable yet", slog.String("error", err.Error()))
		return false
	default:
		logger.Warn("open torrent from watch dir failed", slog.String("error", err.Error()))
		return false
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove torrent file failed", slog.String("error", err.Error()))
	}
	return true
}

func (w WatchDir) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func isTorrentFile(name string) bool {
	base := filepath.Base(name)
	return strings.EqualFold(filepath.Ext(base), ".torrent") && !strings.HasPrefix(base, ".")
}
