package main

import (
	"time"

	"pwnlink/agent/internal/localfs"
	"pwnlink/agent/internal/logging"
	"pwnlink/agent/internal/model"
	"pwnlink/agent/internal/probe"
	"pwnlink/agent/internal/records"
	"pwnlink/agent/internal/remote"
	"pwnlink/agent/internal/syncer"
)

// core holds the components every command shares.
type core struct {
	dialer     *remote.SSHDialer
	local      *localfs.Store
	catalog    *records.Catalog
	state      *probe.State
	monitor    *probe.Monitor
	downloader *syncer.Downloader
}

func (a *app) buildCore() *core {
	cfg := a.cfg

	dialer := remote.NewSSHDialer(remote.Credentials{
		Host:     cfg.DeviceHost,
		Port:     cfg.SSHPort,
		User:     cfg.SSHUser,
		Password: cfg.SSHPassword,
		Timeout:  cfg.SSHTimeout(),
	}, logging.Named("remote"))

	local := localfs.NewOS(cfg.LocalDir)
	catalog := records.NewCatalog(local, time.Duration(cfg.RecordsCacheSec)*time.Second, float64(cfg.MapAccuracy), logging.Named("records"))

	opts := probe.Options{
		Host:        cfg.DeviceHost,
		Ports:       model.DevicePorts,
		PrimaryPort: model.PortSSH,
		Interval:    cfg.ProbeInterval(),
		Timeout:     cfg.ProbeTimeout(),
		Logger:      logging.Named("monitor"),
	}
	if cfg.ICMPEnabled {
		opts.Echo = probe.NewICMPEcho(cfg.ProbeTimeout())
	}
	state := probe.NewState(model.DevicePorts)
	monitor := probe.NewMonitor(state, probe.NewProber(nil), remote.NewConfigReader(dialer, cfg.RemoteConfigPath, logging.Named("config")), opts)

	return &core{
		dialer:     dialer,
		local:      local,
		catalog:    catalog,
		state:      state,
		monitor:    monitor,
		downloader: syncer.NewDownloader(dialer, local, logging.Named("sync")),
	}
}
