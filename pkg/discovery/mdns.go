package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/enbility/zeroconf/v3"
	log "github.com/sirupsen/logrus"
)

// Service is a bus found on the network.
type Service struct {
	Name      string
	Host      string
	Port      int
	Addresses []string
	Text      []string
}

// Address returns a dialable address, preferring the first IP found.
func (s Service) Address() string {
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return host
}

// Advertiser publishes the bus service record.
type Advertiser struct {
	iface  string
	logger log.Ext1FieldLogger

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser. An empty iface means every interface.
func NewAdvertiser(iface string, logger log.Ext1FieldLogger) *Advertiser {
	if logger == nil {
		logger = log.WithField("component", "mdns")
	}
	return &Advertiser{iface: iface, logger: logger}
}

func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise registers name on port, replacing any previous record.
func (a *Advertiser) Advertise(name string, port int, text []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	server, err := zeroconf.Register(name, ServiceType, Domain, port, text, interfaces(a.iface))
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", name, err)
	}
	a.server = server
	a.logger.Infof("Advertising %q on port %d", name, port)
	return nil
}

// Shutdown withdraws the record.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Browse reports services as they appear until ctx is done. Records for the
// same instance seen on several interfaces are merged.
func Browse(ctx context.Context, iface string, found func(Service), lost func(Service)) error {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if ifaces := interfaces(iface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	errc := make(chan error, 1)
	go func() {
		errc <- zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...)
	}()

	services := make(map[string]*Service)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			svc := toService(entry)
			if existing, ok := services[svc.Name]; ok {
				existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
				continue
			}
			services[svc.Name] = &svc
			if found != nil {
				found(svc)
			}

		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			if svc, ok := services[entry.Instance]; ok {
				delete(services, entry.Instance)
				if lost != nil {
					lost(*svc)
				}
			}

		case err := <-errc:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("browse failed: %w", err)
			}
			errc = nil

		case <-ctx.Done():
			return nil
		}
	}
}

func toService(entry *zeroconf.ServiceEntry) Service {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return Service{
		Name:      entry.Instance,
		Host:      entry.HostName,
		Port:      entry.Port,
		Addresses: addrs,
		Text:      entry.Text,
	}
}

func mergeAddresses(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, addr := range a {
		seen[addr] = true
	}
	for _, addr := range b {
		if !seen[addr] {
			a = append(a, addr)
			seen[addr] = true
		}
	}
	return a
}
