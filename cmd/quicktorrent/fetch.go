package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/danieldc/QuickTorrent/internal/app"
	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/usecase"
)

func fetchCommand(configPath *string) *cobra.Command {
	var (
		forceRefresh bool
		timeout      time.Duration
	)

	command := &cobra.Command{
		Use:   "fetch <magnet|info-hash|file.torrent>",
		Short: "Download a single torrent and exit when it is complete",
		Example: `  quicktorrent fetch "magnet:?xt=urn:btih:..."
  quicktorrent fetch ./ubuntu.torrent --timeout 2h`,
		Args: cobra.ExactArgs(1),
	}
	command.Flags().BoolVar(&forceRefresh, "force-refresh", false, "ignore a cached descriptor for info-hash sources")
	command.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")

	command.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		src, err := sourceFromArg(args[0])
		if err != nil {
			return err
		}
		src.ForceRefresh = forceRefresh

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return fetch(ctx, cfg, src, cmd.OutOrStdout())
	}
	return command
}

func fetch(ctx context.Context, cfg app.Config, src domain.TorrentSource, out io.Writer) (err error) {
	logger, logCloser := app.NewLogger(cfg)
	defer logCloser.Close()

	rt, err := app.NewRuntime(cfg, logger)
	if err != nil {
		return err
	}

	changed := make(chan struct{}, 1)
	manager := usecase.NewManager(rt.Factory,
		usecase.WithLogger(logger),
		usecase.WithObserver(func(domain.PieceMapChanged) {
			select {
			case changed <- struct{}{}:
			default:
			}
		}),
	)
	// Close saves the resume record and the DHT node set.
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := manager.Close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	s, err := manager.Open(ctx, usecase.OpenInput{Source: src})
	if err != nil {
		return err
	}
	ih := s.InfoHash()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		st, err := manager.Status(ih)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, progressLine(st))
		if st.Complete || st.HasAllPieces {
			fmt.Fprintf(out, "%s complete\n", displayName(st))
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("fetch %s: %w", ih.HexString(), ctx.Err())
		case <-changed:
		case <-ticker.C:
		}
	}
}

func progressLine(st domain.SessionStatus) string {
	if !st.Sized {
		return fmt.Sprintf("%s: fetching metadata, %d peers", displayName(st), st.Peers.Connected)
	}
	done := uint64(float64(st.TotalSize) * st.Progress)
	return fmt.Sprintf("%s: %d/%d pieces, %s / %s (%.1f%%), %d peers",
		displayName(st),
		st.VerifiedPieces, st.PieceCount,
		humanize.Bytes(done), humanize.Bytes(uint64(st.TotalSize)),
		st.Progress*100,
		st.Peers.Connected,
	)
}

func displayName(st domain.SessionStatus) string {
	if st.Name != "" {
		return st.Name
	}
	return st.InfoHash.HexString()
}

// sourceFromArg accepts a magnet link, a path to a .torrent file or a bare
// info hash.
func sourceFromArg(arg string) (domain.TorrentSource, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return domain.TorrentSource{}, fmt.Errorf("%w: empty source", domain.ErrInvalidSource)
	}
	if strings.HasPrefix(strings.ToLower(arg), "magnet:") {
		return domain.TorrentSource{Magnet: arg}, nil
	}
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		data, err := os.ReadFile(arg)
		if err != nil {
			return domain.TorrentSource{}, fmt.Errorf("read torrent file: %w", err)
		}
		return domain.TorrentSource{Descriptor: data}, nil
	}
	if strings.HasSuffix(strings.ToLower(arg), ".torrent") {
		return domain.TorrentSource{}, fmt.Errorf("torrent file %s not found", arg)
	}
	if _, err := domain.ParseInfoHash(arg); err != nil {
		return domain.TorrentSource{}, err
	}
	return domain.TorrentSource{InfoHash: arg}, nil
}
