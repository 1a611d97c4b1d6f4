// Package discovery advertises and finds carchat API servers on the LAN via mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_carchat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record API version.
	DefaultVersion = 1
	// DefaultAPIPath is where the HTTP API is mounted.
	DefaultAPIPath = "/api"
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertisement and browsing.
type Config struct {
	Service     string
	Domain      string
	Version     int
	APIPath     string
	ScanTimeout time.Duration

	// InstanceID identifies this server across restarts.
	InstanceID   string
	InstanceName string
	Port         int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.APIPath == "" {
		out.APIPath = DefaultAPIPath
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.InstanceID) == "" {
		return errors.New("instance ID is required")
	}
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

// Broadcaster advertises the local API via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// Advertise registers the API service and starts answering mDNS queries.
func Advertise(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"instance_id=" + cfg.InstanceID,
		"version=" + strconv.Itoa(cfg.Version),
		"api=" + cfg.APIPath,
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops advertising.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// PortFromAddr extracts the TCP port of a listen address such as ":8080".
func PortFromAddr(addr string) (int, error) {
	_, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("invalid port in listen address %q", addr)
	}
	return port, nil
}
