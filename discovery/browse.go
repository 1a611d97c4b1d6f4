package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// Server is one API server found on the LAN.
type Server struct {
	InstanceID string
	Name       string
	Version    int
	APIPath    string
	HostName   string
	Port       int
	Addresses  []string
}

// BaseURL returns the HTTP base URL of the server's API using its first address.
func (s Server) BaseURL() string {
	host := s.HostName
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return "http://" + net.JoinHostPort(strings.TrimSuffix(host, "."), strconv.Itoa(s.Port)) + s.APIPath
}

// Browse scans the LAN for ScanTimeout and returns the servers found, sorted
// by name. Entries advertising selfID are skipped.
func Browse(ctx context.Context, config Config, selfID string) ([]Server, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Server)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				server, ok := parseEntry(entry, selfID)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[server.InstanceID] = server
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, err
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means the scan window ended.
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]Server, 0, len(collected))
	for _, server := range collected {
		out = append(out, server)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (Server, bool) {
	txt := txtToMap(entry.Text)

	instanceID := strings.TrimSpace(txt["instance_id"])
	if instanceID == "" || instanceID == selfID {
		return Server{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = instanceID
	}

	apiPath := txt["api"]
	if apiPath == "" {
		apiPath = DefaultAPIPath
	}

	return Server{
		InstanceID: instanceID,
		Name:       name,
		Version:    version,
		APIPath:    apiPath,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
