package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestAdvertiseBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		InstanceID:   "server-123",
		InstanceName: "Lot A kiosk",
		Port:         8080,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := Advertise(cfg)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}
	broadcaster.Stop()

	if gotInstance != "Lot A kiosk" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 8080 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "instance_id=server-123")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "api=/api")
}

func TestAdvertiseRejectsIncompleteConfig(t *testing.T) {
	noop := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, nil
	}

	if _, err := Advertise(Config{InstanceName: "x", Port: 1, registerFn: noop}); err == nil {
		t.Fatalf("expected missing instance ID to be rejected")
	}
	if _, err := Advertise(Config{InstanceID: "x", Port: 1, registerFn: noop}); err == nil {
		t.Fatalf("expected missing instance name to be rejected")
	}
	if _, err := Advertise(Config{InstanceID: "x", InstanceName: "x", registerFn: noop}); err == nil {
		t.Fatalf("expected missing port to be rejected")
	}
}

func TestBrowseCollectsServers(t *testing.T) {
	cfg := Config{
		ScanTimeout: 100 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != DefaultService {
				t.Errorf("unexpected service %q", service)
			}
			go func() {
				for _, entry := range []*zeroconf.ServiceEntry{
					newEntry("Zed", "server-z", 9000, net.ParseIP("192.168.1.20")),
					newEntry("Alpha", "server-a", 8080, net.ParseIP("192.168.1.10"), net.ParseIP("192.168.1.10")),
					newEntry("Self", "self", 8080, net.ParseIP("192.168.1.5")),
					newEntry("Broken", "", 8080, net.ParseIP("192.168.1.6")),
				} {
					select {
					case entries <- entry:
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
	}

	servers, err := Browse(context.Background(), cfg, "self")
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d: %+v", len(servers), servers)
	}
	if servers[0].Name != "Alpha" || servers[1].Name != "Zed" {
		t.Fatalf("expected servers sorted by name, got %q then %q", servers[0].Name, servers[1].Name)
	}
	if len(servers[0].Addresses) != 1 {
		t.Fatalf("expected duplicate addresses to collapse, got %v", servers[0].Addresses)
	}
	if got := servers[0].BaseURL(); got != "http://192.168.1.10:8080/api" {
		t.Fatalf("unexpected base URL %q", got)
	}
}

func TestPortFromAddr(t *testing.T) {
	port, err := PortFromAddr(":8080")
	if err != nil {
		t.Fatalf("PortFromAddr failed: %v", err)
	}
	if port != 8080 {
		t.Fatalf("expected port 8080, got %d", port)
	}
	if _, err := PortFromAddr("localhost"); err == nil {
		t.Fatalf("expected address without port to be rejected")
	}
}

func newEntry(instance, instanceID string, port int, ips ...net.IP) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	entry.HostName = instance + ".local."
	entry.Port = port
	entry.AddrIPv4 = ips
	entry.Text = []string{"version=1", "api=/api"}
	if instanceID != "" {
		entry.Text = append(entry.Text, "instance_id="+instanceID)
	}
	return entry
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
