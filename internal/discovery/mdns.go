package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/oshokin/microscope/internal/logger"
)

const (
	// ServiceType is the DNS-SD service type of device servers.
	ServiceType = "_microscope._tcp"
	// Domain is the mDNS domain.
	Domain = "local"

	txtDevices = "devices"
	txtVersion = "version"
)

var (
	errNoPort       = errors.New("advertised port must be positive")
	errNoInterfaces = errors.New("none of the configured interfaces exist")
)

// Announcement describes a server to advertise.
type Announcement struct {
	// Instance is the service instance name, usually the server name.
	Instance string
	// Port is the listening port.
	Port int
	// Devices are the served device ids.
	Devices []string
	// Version is the server version.
	Version string
	// Interfaces restricts advertising to these interfaces; empty means all.
	Interfaces []string
}

// Server is a discovered device server.
type Server struct {
	// Instance is the service instance name.
	Instance string
	// Host is the advertised host name.
	Host string
	// Port is the listening port.
	Port int
	// Addresses are the advertised IP addresses.
	Addresses []string
	// Devices are the served device ids.
	Devices []string
	// Version is the server version.
	Version string
}

// Address returns a dialable host:port, preferring the first IP address.
func (s *Server) Address() string {
	host := strings.TrimSuffix(s.Host, ".")
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}

	return net.JoinHostPort(host, fmt.Sprint(s.Port))
}

// Advertiser keeps one server registered on the network.
type Advertiser struct {
	// server is the zeroconf responder, nil once shut down.
	server *zeroconf.Server
	// mu protects server.
	mu sync.Mutex
}

// Advertise registers the announcement and answers queries until Shutdown.
func Advertise(ctx context.Context, a Announcement) (*Advertiser, error) {
	if a.Port <= 0 {
		return nil, errNoPort
	}

	ifaces, err := interfaces(a.Interfaces)
	if err != nil {
		return nil, err
	}

	server, err := zeroconf.Register(a.Instance, ServiceType, Domain, a.Port, EncodeTXT(a), ifaces)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}

	logger.InfoKV(logger.WithName(ctx, "discovery"), "Advertising server",
		"instance", a.Instance, "service", ServiceType, "port", a.Port, "devices", len(a.Devices))

	return &Advertiser{server: server}, nil
}

// Update replaces the advertised TXT records.
func (a *Advertiser) Update(announcement Announcement) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.SetText(EncodeTXT(announcement))
	}
}

// Shutdown withdraws the advertisement.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Browse collects servers until ctx is done. Entries seen on several
// interfaces are merged by instance name.
func Browse(ctx context.Context, ifaceNames []string) ([]Server, error) {
	ifaces, err := interfaces(ifaceNames)
	if err != nil {
		return nil, err
	}

	var opts []zeroconf.ClientOption
	if len(ifaces) > 0 {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	browsed := make(chan error, 1)

	go func() {
		browsed <- zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...)
	}()

	found := make(map[string]*Server)
	order := make([]string, 0)

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil

				continue
			}

			s := fromEntry(entry)
			if existing, seen := found[s.Instance]; seen {
				existing.Addresses = merge(existing.Addresses, s.Addresses)

				continue
			}

			found[s.Instance] = &s
			order = append(order, s.Instance)
		case entry, ok := <-removed:
			if !ok {
				removed = nil

				continue
			}

			if _, seen := found[entry.Instance]; seen {
				delete(found, entry.Instance)
				order = slices.DeleteFunc(order, func(id string) bool { return id == entry.Instance })
			}
		case err := <-browsed:
			browsed = nil

			if err != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("browse mdns: %w", err)
			}
		case <-ctx.Done():
			out := make([]Server, 0, len(order))
			for _, instance := range order {
				out = append(out, *found[instance])
			}

			return out, nil
		}
	}
}

// EncodeTXT builds the TXT records of an announcement.
func EncodeTXT(a Announcement) []string {
	return []string{
		txtDevices + "=" + strings.Join(a.Devices, ","),
		txtVersion + "=" + a.Version,
	}
}

// DecodeTXT fills the device list and version from TXT records. Unknown
// keys are ignored.
func DecodeTXT(records []string, s *Server) {
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}

		switch key {
		case txtDevices:
			s.Devices = nil

			for id := range strings.SplitSeq(value, ",") {
				if id = strings.TrimSpace(id); id != "" {
					s.Devices = append(s.Devices, id)
				}
			}
		case txtVersion:
			s.Version = value
		}
	}
}

func fromEntry(entry *zeroconf.ServiceEntry) Server {
	s := Server{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Port:      entry.Port,
		Addresses: make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6)),
	}

	for _, ip := range entry.AddrIPv4 {
		s.Addresses = append(s.Addresses, ip.String())
	}

	for _, ip := range entry.AddrIPv6 {
		s.Addresses = append(s.Addresses, ip.String())
	}

	DecodeTXT(entry.Text, &s)

	return s
}

func merge(have, more []string) []string {
	for _, addr := range more {
		if !slices.Contains(have, addr) {
			have = append(have, addr)
		}
	}

	return have
}

// interfaces resolves interface names. Unknown names are skipped; nil means all.
func interfaces(names []string) ([]net.Interface, error) {
	if len(names) == 0 {
		return nil, nil
	}

	out := make([]net.Interface, 0, len(names))

	for _, name := range names {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			continue
		}

		out = append(out, *iface)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %v", errNoInterfaces, names)
	}

	return out, nil
}
