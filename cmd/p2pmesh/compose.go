package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"p2pmesh/internal/bootstrap"
	"p2pmesh/internal/config"
	"p2pmesh/internal/health"
	"p2pmesh/internal/indexserver"
	"p2pmesh/internal/peer"
	"p2pmesh/internal/protocol"
	"p2pmesh/internal/registry"
	"p2pmesh/internal/tracker"
)

// mesh bundles the composed components for one CLI invocation, per
// spec.md §2's data-flow ordering: Bootstrap starts Config, Health,
// Registry, Tracker, IndexServer, then Peers.
type mesh struct {
	orch      *bootstrap.Orchestrator
	monitor   *health.Monitor
	healthSrv *http.Server
	reg       registry.Registry
	log       *logrus.Logger
}

func localAddr(cfg *config.Config, hostKey, defaultHost string, port int) string {
	host := cfg.GetString(hostKey)
	if host == "" {
		host = defaultHost
	}
	return host + ":" + strconv.Itoa(port)
}

// buildMesh registers one bootstrap service per requested component plus
// the ambient config/health/registry services every component depends
// on, per spec.md §2/§9's composition-root design note (no DI framework,
// explicit wiring).
func buildMesh(ctx context.Context, cfg *config.Config, components map[string]bool, log *logrus.Logger) (*mesh, error) {
	monitor, err := health.NewMonitor(health.Config{Namespace: "p2pmesh"})
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}

	var reg registry.Registry
	if cfg.GetBool("discovery.distributed.enabled") {
		peers := strings.Split(cfg.GetString("discovery.gossip.bootstrap.peers"), ",")
		filtered := peers[:0]
		for _, p := range peers {
			if p = strings.TrimSpace(p); p != "" {
				filtered = append(filtered, p)
			}
		}
		gossipCfg := registry.GossipConfig{
			SelfAddr:         localAddr(cfg, "discovery.gossip.host", "0.0.0.0", cfg.GetInt("discovery.gossip.port")),
			Peers:            filtered,
			AnnounceInterval: time.Duration(cfg.GetInt64("discovery.gossip.interval.ms")) * time.Millisecond,
		}
		// With no bootstrap peers configured, gossip falls back to the
		// multicast group.
		if len(filtered) == 0 {
			gossipCfg.Multicast = true
			gossipCfg.GroupAddr = cfg.GetString("discovery.gossip.multicast.group")
		}
		reg = registry.NewGossip(gossipCfg, log)
	} else {
		reg = registry.NewInProcess()
	}

	// Dynamic-port mode: pick a free port upward from each selected
	// component's configured base and publish the choice back into the
	// config so self-registration and clients see the final value.
	if cfg.GetBool("bootstrap.dynamic.ports") {
		portKeys := map[string]string{"tracker": "tracker.port", "indexserver": "indexserver.port", "peer": "peer.port.base"}
		for component, key := range portKeys {
			if !components[component] {
				continue
			}
			port, err := config.FindAvailablePort(cfg.GetInt(key))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", component, err)
			}
			cfg.Set(key, port)
			log.WithField("component", component).WithField("port", port).Info("p2pmesh: dynamic port assigned")
		}
	}

	orch := bootstrap.New()
	m := &mesh{orch: orch, monitor: monitor, reg: reg, log: log}

	orch.Register("config", func(ctx context.Context) error {
		monitor.Report("config", health.StatusUp, map[string]any{"bootstrapState": "READY"})
		return nil
	}, func(ctx context.Context) error { return nil })

	orch.Register("health", func(ctx context.Context) error {
		addr := localAddr(cfg, "healthcheck.host", "0.0.0.0", cfg.GetInt("healthcheck.port"))
		m.healthSrv = &http.Server{Addr: addr, Handler: monitor.Router()}
		go func() {
			if err := m.healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("health: server exited")
			}
		}()
		monitor.Report("health", health.StatusUp, map[string]any{"bootstrapState": "READY"})
		return nil
	}, func(ctx context.Context) error {
		if m.healthSrv == nil {
			return nil
		}
		return m.healthSrv.Shutdown(ctx)
	})
	_ = orch.AddDependency("health", "config")

	orch.Register("registry", func(ctx context.Context) error {
		if err := reg.Start(ctx); err != nil {
			return err
		}
		monitor.Report("registry", health.StatusUp, map[string]any{"bootstrapState": "READY"})
		return nil
	}, func(ctx context.Context) error {
		return reg.Stop()
	})
	_ = orch.AddDependency("registry", "config")

	trackerAddr := localAddr(cfg, "tracker.host", "127.0.0.1", cfg.GetInt("tracker.port"))
	indexAddr := localAddr(cfg, "indexserver.host", "127.0.0.1", cfg.GetInt("indexserver.port"))

	var trk *tracker.Tracker
	var trkSrv *protocol.Server
	if components["tracker"] {
		trk = tracker.New(tracker.Config{
			Host:            cfg.GetString("tracker.host"),
			Port:            cfg.GetInt("tracker.port"),
			PeerTimeout:     time.Duration(cfg.GetInt64("tracker.peer.timeout.ms")) * time.Millisecond,
			CleanupInterval: time.Duration(cfg.GetInt64("tracker.cleanup.interval.ms")) * time.Millisecond,
		}, reg, log)

		d := protocol.NewDispatcher("tracker")
		trk.RegisterHandlers(d)
		d.Use(health.NewDispatchInterceptor(monitor.Metrics(), "tracker"))
		trkSrv = protocol.NewServer("tracker", protocol.ServerConfig{
			Host:    cfg.GetString("tracker.host"),
			Port:    cfg.GetInt("tracker.port"),
			Workers: cfg.GetInt("tracker.thread.pool.size"),
		}, d, log)

		orch.Register("tracker", func(ctx context.Context) error {
			if err := trk.Start(ctx); err != nil {
				return err
			}
			if err := trkSrv.Start(ctx); err != nil {
				return err
			}
			monitor.Report("tracker", health.StatusUp, map[string]any{"bootstrapState": "READY"})
			return nil
		}, func(ctx context.Context) error {
			_ = trkSrv.Stop(ctx, 5*time.Second)
			return trk.Stop(ctx)
		})
		_ = orch.AddDependency("tracker", "registry")
		_ = orch.AddDependency("tracker", "health")
	}

	var idx *indexserver.IndexServer
	var idxSrv *protocol.Server
	if components["indexserver"] {
		var err error
		idx, err = indexserver.New(indexserver.Config{
			Host:         cfg.GetString("indexserver.host"),
			Port:         cfg.GetInt("indexserver.port"),
			StorageDir:   cfg.GetString("indexserver.storage.dir"),
			StorageFile:  cfg.GetString("indexserver.storage.file"),
			CacheTTL:     time.Duration(cfg.GetInt64("indexserver.cache.ttl.ms")) * time.Millisecond,
			CacheRefresh: time.Duration(cfg.GetInt64("indexserver.cache.refresh.ms")) * time.Millisecond,
		}, reg, log)
		if err != nil {
			return nil, fmt.Errorf("indexserver: %w", err)
		}

		d := protocol.NewDispatcher("indexserver")
		idx.RegisterHandlers(d)
		d.Use(health.NewDispatchInterceptor(monitor.Metrics(), "indexserver"))
		idxSrv = protocol.NewServer("indexserver", protocol.ServerConfig{
			Host:    cfg.GetString("indexserver.host"),
			Port:    cfg.GetInt("indexserver.port"),
			Workers: cfg.GetInt("indexserver.thread.pool.size"),
		}, d, log)

		orch.Register("indexserver", func(ctx context.Context) error {
			if idx.IsDown() {
				log.Warn("indexserver: starting with an unreadable store, writes refused")
			}
			if err := idx.Start(ctx); err != nil {
				return err
			}
			if err := idxSrv.Start(ctx); err != nil {
				return err
			}
			monitor.Report("indexserver", health.StatusUp, map[string]any{"bootstrapState": "READY"})
			return nil
		}, func(ctx context.Context) error {
			_ = idxSrv.Stop(ctx, 5*time.Second)
			return idx.Stop(ctx)
		})
		_ = orch.AddDependency("indexserver", "registry")
		_ = orch.AddDependency("indexserver", "health")
	}

	if components["peer"] {
		peerID := cfg.GetString("peer.id")
		if peerID == "" {
			peerID = "peer-1"
		}
		downloadDir := cfg.GetString("peer.download.dir")
		if downloadDir == "" {
			downloadDir = "downloads"
		}
		caller := newWireCaller(
			cfg.GetInt("indexserver.connection.pool.max"),
			time.Duration(cfg.GetInt64("indexserver.connection.timeout.ms"))*time.Millisecond,
		)
		p := peer.New(peer.Config{
			PeerID:            peerID,
			Host:              cfg.GetString("peer.host"),
			Port:              cfg.GetInt("peer.port.base"),
			DownloadDir:       downloadDir,
			HeartbeatInterval: time.Duration(cfg.GetInt("peer.heartbeat.interval.seconds")) * time.Second,
			SocketTimeout:     time.Duration(cfg.GetInt64("peer.socket.timeout.ms")) * time.Millisecond,
		}, reg, &trackerClient{caller: caller, addr: trackerAddr, senderID: peerID}, &indexClient{caller: caller, addr: indexAddr, senderID: peerID}, log)

		orch.Register("peer", func(ctx context.Context) error {
			if err := p.Start(ctx); err != nil {
				return err
			}
			monitor.Report("peer", health.StatusUp, map[string]any{"bootstrapState": "READY"})
			return nil
		}, func(ctx context.Context) error {
			err := p.Shutdown(ctx, 10*time.Second)
			caller.Close()
			return err
		})
		_ = orch.AddDependency("peer", "registry")
		if components["tracker"] {
			_ = orch.AddDependency("peer", "tracker")
		}
		if components["indexserver"] {
			_ = orch.AddDependency("peer", "indexserver")
		}
	}

	return m, nil
}
