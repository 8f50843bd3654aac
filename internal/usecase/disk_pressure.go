package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/danieldc/QuickTorrent/internal/domain"
)

// DiskPressure periodically checks free space on the download directory and
// stops every downloading session when it drops below MinFreeBytes. Sessions
// it stopped are restarted once free space exceeds ResumeBytes.
type DiskPressure struct {
	Manager      *Manager
	Logger       *slog.Logger
	Dir          string
	MinFreeBytes int64
	ResumeBytes  int64
	Interval     time.Duration
	// FreeBytes reports free space for a path. Defaults to a statfs call.
	FreeBytes func(path string) (int64, error)
}

// Run blocks until ctx is cancelled.
func (dp DiskPressure) Run(ctx context.Context) {
	interval := dp.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	st := newPressureState()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dp.check(ctx, st)
		}
	}
}

type pressureState struct {
	paused  bool
	stopped map[domain.InfoHash]struct{}
}

func newPressureState() *pressureState {
	return &pressureState{stopped: make(map[domain.InfoHash]struct{})}
}

func (dp DiskPressure) check(ctx context.Context, st *pressureState) {
	freeBytes := dp.FreeBytes
	if freeBytes == nil {
		freeBytes = diskFreeBytes
	}
	resumeAt := dp.ResumeBytes
	if resumeAt <= dp.MinFreeBytes {
		resumeAt = dp.MinFreeBytes * 2
	}

	free, err := freeBytes(dp.Dir)
	if err != nil {
		dp.logger().Warn("disk_pressure: failed to check disk space",
			slog.String("path", dp.Dir),
			slog.String("error", err.Error()),
		)
		return
	}

	switch {
	case !st.paused && free < dp.MinFreeBytes:
		dp.logger().Warn("disk_pressure: low disk space, stopping downloads",
			slog.String("free", humanize.IBytes(uint64(free))),
			slog.String("threshold", humanize.IBytes(uint64(dp.MinFreeBytes))),
		)
		dp.stopDownloads(ctx, st.stopped)
		st.paused = true
	case st.paused && free >= resumeAt:
		dp.logger().Info("disk_pressure: disk space recovered, resuming downloads",
			slog.String("free", humanize.IBytes(uint64(free))),
			slog.String("resumeAt", humanize.IBytes(uint64(resumeAt))),
		)
		dp.resumeDownloads(ctx, st.stopped)
		st.paused = false
	}
}

// stopDownloads leaves paused and seeding sessions alone.
func (dp DiskPressure) stopDownloads(ctx context.Context, stopped map[domain.InfoHash]struct{}) {
	for _, status := range dp.Manager.List() {
		if !status.Downloading || status.Complete {
			continue
		}
		ih := status.InfoHash
		if _, err := dp.Manager.Stop(ctx, ih); err != nil {
			dp.logger().Warn("disk_pressure: stop session failed",
				slog.String("infoHash", ih.HexString()),
				slog.String("error", err.Error()),
			)
			continue
		}
		stopped[ih] = struct{}{}
		dp.logger().Info("disk_pressure: stopped session", slog.String("infoHash", ih.HexString()))
	}
}

// resumeDownloads skips sessions that were removed in the meantime.
func (dp DiskPressure) resumeDownloads(ctx context.Context, stopped map[domain.InfoHash]struct{}) {
	for ih := range stopped {
		if _, err := dp.Manager.Start(ctx, ih); err != nil {
			dp.logger().Warn("disk_pressure: resume session failed",
				slog.String("infoHash", ih.HexString()),
				slog.String("error", err.Error()),
			)
		} else {
			dp.logger().Info("disk_pressure: resumed session", slog.String("infoHash", ih.HexString()))
		}
		delete(stopped, ih)
	}
}

func (dp DiskPressure) logger() *slog.Logger {
	if dp.Logger != nil {
		return dp.Logger
	}
	return slog.Default()
}
