// Package syncer copies the remote capture directory into the local store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"pwnlink/agent/internal/localfs"
	"pwnlink/agent/internal/logging"
	"pwnlink/agent/internal/metrics"
	"pwnlink/agent/internal/remote"
)

// ErrCancelled ends a pass that was cancelled between two files.
var ErrCancelled = errors.New("sync cancelled")

// ProgressFunc is called after each saved file with the running count and
// the number of listed entries.
type ProgressFunc func(downloaded, total int)

type Downloader struct {
	dialer remote.Dialer
	store  *localfs.Store
	logger *zap.Logger
}

func NewDownloader(dialer remote.Dialer, store *localfs.Store, logger *zap.Logger) *Downloader {
	return &Downloader{dialer: dialer, store: store, logger: logging.OrNop(logger)}
}

// Download runs one sync pass over a single session. Files are processed
// newest first; the pass stops after maxCount saved files when maxCount > 0.
// Cancellation is checked before each file, so a file already in transfer
// finishes. Any per-file read or write error aborts the pass; files saved
// before it stay on disk.
func (d *Downloader) Download(ctx context.Context, remoteDir string, maxCount int, onProgress ProgressFunc) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, ErrCancelled
	}

	session, err := d.dialer.Dial(ctx)
	if err != nil {
		return 0, setupError(ctx, err)
	}
	defer func() { _ = session.Close() }()

	entries, err := remote.ListDirectory(ctx, session, remoteDir)
	if err != nil {
		return 0, setupError(ctx, err)
	}
	total := len(entries)
	d.logger.Info("sync pass started", zap.String("remote_dir", remoteDir), zap.Int("listed", total), zap.Int("max_count", maxCount))

	transfer, err := session.OpenFileTransfer()
	if err != nil {
		return 0, setupError(ctx, err)
	}
	defer func() { _ = transfer.Close() }()

	// Per-file work must not be torn down halfway by a cancel.
	fileCtx := context.WithoutCancel(ctx)

	downloaded := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			d.logger.Info("sync pass cancelled", zap.Int("downloaded", downloaded), zap.Int("listed", total))
			return downloaded, ErrCancelled
		}
		if entry.Name == "." || entry.Name == ".." {
			continue
		}

		data, err := transfer.ReadFile(entry.RemotePath)
		if err != nil {
			return downloaded, fmt.Errorf("download %s: %w", entry.Name, err)
		}

		modTime := time.Unix(0, 0)
		if unix := remote.ModTime(fileCtx, session, entry.RemotePath); unix != nil {
			entry.ModTimeUnix = unix
			modTime = time.Unix(*unix, 0)
		} else {
			d.logger.Warn("remote modification time unavailable, using epoch", zap.String("file", entry.Name))
		}

		if err := d.store.Save(path.Base(entry.Name), data, modTime); err != nil {
			return downloaded, fmt.Errorf("save %s: %w", entry.Name, err)
		}
		downloaded++
		metrics.RecordFileDownloaded(len(data))
		d.logger.Debug("file saved", zap.String("file", entry.Name), zap.Int("bytes", len(data)), zap.Time("mod_time", modTime))

		if onProgress != nil {
			onProgress(downloaded, total)
		}
		if maxCount > 0 && downloaded >= maxCount {
			break
		}
	}

	d.logger.Info("sync pass finished", zap.Int("downloaded", downloaded), zap.Int("listed", total))
	return downloaded, nil
}

// setupError reports a failure before the first file as a cancellation when
// ctx is already done.
func setupError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return err
}
