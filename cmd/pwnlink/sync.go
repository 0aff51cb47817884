package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pwnlink/agent/internal/agent"
	"pwnlink/agent/internal/logging"
	"pwnlink/agent/internal/syncer"
)

func newSyncCmd(a *app) *cobra.Command {
	var maxCount int
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Copy captures from the device into the local directory once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := agent.SyncRequest{}
			if cmd.Flags().Changed("max-count") {
				req.MaxCount = &maxCount
			}
			return a.syncOnce(cmd, req)
		},
	}
	cmd.Flags().IntVar(&maxCount, "max-count", 0, "stop after this many files, 0 for all (env: MAX_DOWNLOAD_COUNT)")
	return cmd
}

func (a *app) syncOnce(cmd *cobra.Command, req agent.SyncRequest) error {
	ctx, stop := signal.NotifyContext(contextOf(cmd), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	c := a.buildCore()
	svc := agent.NewService(c.state, c.downloader, c.catalog, c.local, agent.Options{
		RemoteDir: a.cfg.CaptureDir,
		MaxCount:  a.cfg.MaxDownloadCount,
		Logger:    logging.Named("agent"),
	})
	defer svc.Close()

	c.monitor.Tick(ctx)
	stderr := cmd.ErrOrStderr()
	n, err := svc.Sync(ctx, req, func(done, total int) {
		fmt.Fprintf(stderr, "\r%d/%d", done, total)
	})
	if n > 0 {
		fmt.Fprintln(stderr)
	}

	out := cmd.OutOrStdout()
	switch {
	case errors.Is(err, agent.ErrNotReachable):
		return fmt.Errorf("device %s is not reachable on port 22", a.cfg.DeviceHost)
	case errors.Is(err, syncer.ErrCancelled):
		fmt.Fprintf(out, "cancelled after %d file(s)\n", n)
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintf(out, "downloaded %d file(s) into %s\n", n, c.local.Dir())
	return nil
}
