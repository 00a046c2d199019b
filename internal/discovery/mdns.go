// Package discovery advertises and browses for active mountpoints over
// mDNS, so LAN tooling (a stats dashboard, a relay) can find running
// mounts without polling the registry directly (SPEC_FULL.md §2.1.13).
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/hashicorp/mdns"
)

// serviceType is the mDNS service this core advertises itself under
// (SPEC_FULL.md §2.1.13, §6).
const serviceType = "_icecast._tcp"

// Config holds discovery configuration.
type Config struct {
	// ServiceName identifies this server instance on the LAN (e.g. its
	// hostname); it has no bearing on which mounts are advertised.
	ServiceName string
	Port        int
}

// Manager handles mDNS advertisement of the live mount list and browsing
// for other icecast-core instances on the LAN.
type Manager struct {
	config  Config
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo

	// mounts, if set, is polled once at Advertise time to seed the TXT
	// record with the currently live mount names. Re-advertising after the
	// mount list changes is the caller's responsibility (call Advertise
	// again after Stop).
	mounts func() []string
}

// ServerInfo describes a discovered instance and the mounts it last
// advertised.
type ServerInfo struct {
	Name   string
	Host   string
	Port   int
	Mounts []string
}

// NewManager creates a discovery manager. mounts, if non-nil, is consulted
// by Advertise to populate the TXT record's mount list.
func NewManager(config Config, mounts func() []string) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
		mounts:  mounts,
	}
}

// Advertise publishes this server's live mount list via mDNS.
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	txt := []string{"path=/"}
	if m.mounts != nil {
		if names := m.mounts(); len(names) > 0 {
			txt = append(txt, "mounts="+strings.Join(names, ","))
		}
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		serviceType,
		"",
		"",
		m.config.Port,
		ips,
		txt,
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	log.Printf("advertising mDNS service: %s on port %d (type: %s)", m.config.ServiceName, m.config.Port, serviceType)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse searches for other icecast-core instances on the LAN.
func (m *Manager) Browse() error {
	go m.browseLoop()
	return nil
}

// browseLoop continuously browses for other servers.
func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)

		go func() {
			for entry := range entries {
				server := &ServerInfo{
					Name:   entry.Name,
					Host:   entry.AddrV4.String(),
					Port:   entry.Port,
					Mounts: parseMounts(entry.InfoFields),
				}

				log.Printf("discovered icecast-core instance: %s at %s:%d (%d mounts)",
					server.Name, server.Host, server.Port, len(server.Mounts))

				select {
				case m.servers <- server:
				case <-m.ctx.Done():
					return
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: serviceType,
			Domain:  "local",
			Timeout: 3,
			Entries: entries,
		}

		mdns.Query(params)
		close(entries)
	}
}

// parseMounts extracts the "mounts=a,b,c" TXT field, if present.
func parseMounts(fields []string) []string {
	for _, f := range fields {
		if name, val, ok := strings.Cut(f, "="); ok && name == "mounts" && val != "" {
			return strings.Split(val, ",")
		}
	}
	return nil
}

// Servers returns the channel of discovered instances.
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop stops the discovery manager.
func (m *Manager) Stop() {
	m.cancel()
}

// getLocalIPs returns local, non-loopback IPv4 addresses.
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
