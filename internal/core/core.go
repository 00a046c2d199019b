// Package core wires the mount registry, worker pool, admission resolver,
// and the optional observability surfaces (mDNS, dashboard, admin
// websocket) into one process, mirroring the shape of
// harperreed-resonate-go/internal/server's Server: a Config, a New
// constructor, and Start/Stop. The in-scope HTTP source/listener protocol
// itself (SPEC_FULL.md §1) is an external collaborator this package
// exposes hooks for (Startup, AddListener) but does not parse.
package core

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/khaliullov/icecast-kh/internal/admission"
	"github.com/khaliullov/icecast-kh/internal/config"
	"github.com/khaliullov/icecast-kh/internal/dashboard"
	"github.com/khaliullov/icecast-kh/internal/discovery"
	"github.com/khaliullov/icecast-kh/internal/registry"
	"github.com/khaliullov/icecast-kh/internal/source"
	"github.com/khaliullov/icecast-kh/internal/worker"
)

// Config holds the process-wide settings a running instance needs beyond
// GlobalConfig's mount-serving limits (SPEC_FULL.md §6): which optional
// observability surfaces to enable and where to bind them.
type Config struct {
	Global *config.Global

	ServerName string
	AdminAddr  string // e.g. ":8001"; empty disables the admin HTTP server
}

// Core is the running instance: the registry and worker pool every mount
// shares, plus whichever observability surfaces Config enabled.
type Core struct {
	cfg Config

	Registry *registry.Registry
	Pool     *worker.Pool
	Balancer *worker.Balancer
	Admitter *admission.Admitter
	Sources  *source.GlobalSources

	snapshots *dashboard.Engine
	tui       *dashboard.TUI
	adminWS   *dashboard.AdminWS
	mdns      *discovery.Manager

	httpServer *http.Server

	startTime time.Time
	stopOnce  sync.Once
	stopChan  chan struct{}

	peersMu sync.Mutex
	peers   map[string]*discovery.ServerInfo
}

// New builds a Core from cfg. Nothing is started yet; call Start.
func New(cfg Config) *Core {
	if cfg.Global == nil {
		cfg.Global = config.DefaultGlobal()
	}

	reg := registry.New()
	pool := worker.NewPool(cfg.Global.WorkerCount, nil)
	bal := worker.NewBalancer(pool)

	c := &Core{
		cfg:      cfg,
		Registry: reg,
		Pool:     pool,
		Balancer: bal,
		Sources:  &source.GlobalSources{},
		stopChan: make(chan struct{}),
		peers:    make(map[string]*discovery.ServerInfo),
	}

	c.Admitter = &admission.Admitter{
		Reg:                reg,
		GlobalMaxBandwidth: cfg.Global.MaxBandwidth,
		Balancer:           bal,
	}

	if cfg.Global.EnableDashboard || cfg.Global.EnableAdminWS {
		c.snapshots = dashboard.NewEngine(reg, 1*time.Second)
	}

	return c
}

// Start launches the worker pool and every enabled observability surface.
// It returns once everything is running; shutdown happens via Stop.
func (c *Core) Start(ctx context.Context) error {
	c.startTime = time.Now()
	c.Pool.Start(ctx)

	if c.snapshots != nil {
		go c.snapshots.Start()
	}

	if c.cfg.Global.EnableDashboard {
		c.tui = dashboard.NewTUI(c.cfg.ServerName, c.cfg.Global.Port)
		go c.feedTUI(ctx, c.snapshots.Subscribe())
		go func() {
			if err := c.tui.Start(c.cfg.ServerName, c.cfg.Global.Port); err != nil {
				log.Printf("core: dashboard exited: %v", err)
			}
		}()
	}

	if c.cfg.Global.EnableAdminWS || c.cfg.AdminAddr != "" {
		c.adminWS = dashboard.NewAdminWS()
		if c.snapshots != nil {
			go c.pushSnapshots(ctx, c.snapshots.Subscribe())
		}
		if c.cfg.AdminAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/admin/ws", c.adminWS)
			c.httpServer = &http.Server{Addr: c.cfg.AdminAddr, Handler: mux}
			go func() {
				if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Printf("core: admin http server exited: %v", err)
				}
			}()
		}
	}

	if c.cfg.Global.EnableMDNS {
		c.mdns = discovery.NewManager(discovery.Config{
			ServiceName: c.cfg.ServerName,
			Port:        c.cfg.Global.Port,
		}, c.mountNames)
		if err := c.mdns.Advertise(); err != nil {
			log.Printf("core: mDNS advertise failed: %v", err)
		}
		if err := c.mdns.Browse(); err != nil {
			log.Printf("core: mDNS browse failed: %v", err)
		}
		go c.collectPeers(ctx)
	}

	log.Printf("core: %s started (workers=%d, admin=%q)", c.cfg.ServerName, c.Pool.Count(), c.cfg.AdminAddr)
	return nil
}

// pushSnapshots forwards the periodic snapshot to the admin websocket's
// broadcast fan-out until ctx is done.
func (c *Core) pushSnapshots(ctx context.Context, snaps <-chan dashboard.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			c.adminWS.Broadcast(snap)
		}
	}
}

// feedTUI forwards the periodic snapshot to the terminal view until ctx is
// done or the snapshot channel closes.
func (c *Core) feedTUI(ctx context.Context, snaps <-chan dashboard.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			c.tui.Update(snap)
		}
	}
}

// collectPeers drains the mDNS browse channel into c.peers, keyed by
// instance name, so PeerMounts can report what other icecast-core instances
// on the LAN are currently serving (a relay's candidate-source list).
func (c *Core) collectPeers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case srv, ok := <-c.mdns.Servers():
			if !ok {
				return
			}
			c.peersMu.Lock()
			c.peers[srv.Name] = srv
			c.peersMu.Unlock()
		}
	}
}

// PeerMounts returns the mounts last advertised by other icecast-core
// instances discovered over mDNS, keyed by the peer's advertised name.
// Empty until mDNS discovery is enabled and a browse result has arrived.
func (c *Core) PeerMounts() map[string][]string {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	out := make(map[string][]string, len(c.peers))
	for name, srv := range c.peers {
		out[name] = srv.Mounts
	}
	return out
}

func (c *Core) mountNames() []string {
	mounts := c.Registry.Mounts()
	names := make([]string, 0, len(mounts))
	for _, m := range mounts {
		names = append(names, m.Mount())
	}
	return names
}

// Stop shuts down every running surface exactly once.
func (c *Core) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopChan)
		if c.mdns != nil {
			c.mdns.Stop()
		}
		if c.httpServer != nil {
			err = c.httpServer.Close()
		}
		if c.tui != nil {
			c.tui.Stop()
		}
		if c.snapshots != nil {
			c.snapshots.Stop()
		}
		if perr := c.Pool.Stop(); perr != nil && err == nil {
			err = fmt.Errorf("worker pool stop: %w", perr)
		}
	})
	return err
}
