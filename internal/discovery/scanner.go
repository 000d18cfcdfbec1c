package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
)

// Defaults for ESPHome's native API advertisement.
const (
	DefaultService = "_esphomelib._tcp"
	DefaultDomain  = "local."
	DefaultTimeout = 5 * time.Second
)

// ErrScanFailed wraps browse errors.
var ErrScanFailed = errors.New("discovery: scan failed")

// Service is one advertised device.
type Service struct {
	Name  string            `json:"name"`
	Host  string            `json:"host"`
	Port  int               `json:"port"`
	Extra map[string]string `json:"extra,omitempty"`
}

// Address returns host:port.
func (s Service) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Browser is the mDNS browse primitive. *zeroconf.Resolver satisfies it.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Logger is the logging interface used by the scanner.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Scanner browses for devices for a bounded time.
type Scanner struct {
	browser Browser
	service string
	domain  string
	timeout time.Duration
	logger  Logger
}

// NewScanner creates a scanner backed by a zeroconf resolver.
func NewScanner(cfg config.DiscoveryConfig, logger Logger) (*Scanner, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("creating mdns resolver: %w", err)
	}
	return NewScannerWithBrowser(resolver, cfg, logger), nil
}

// NewScannerWithBrowser creates a scanner over an arbitrary browser.
func NewScannerWithBrowser(b Browser, cfg config.DiscoveryConfig, logger Logger) *Scanner {
	if logger == nil {
		logger = noopLogger{}
	}
	s := &Scanner{
		browser: b,
		service: cfg.Service,
		domain:  cfg.Domain,
		timeout: cfg.Timeout,
		logger:  logger,
	}
	if s.service == "" {
		s.service = DefaultService
	}
	if s.domain == "" {
		s.domain = DefaultDomain
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s
}

// Scan collects advertisements until the scan timeout or ctx ends. Results
// are deduplicated on host:port and sorted by name.
func (s *Scanner) Scan(ctx context.Context) ([]Service, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := s.browser.Browse(ctx, s.service, s.domain, entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScanFailed, err)
	}

	seen := make(map[string]struct{})
	var found []Service
	for {
		select {
		case <-ctx.Done():
			return sortServices(found), nil
		case entry, ok := <-entries:
			if !ok {
				return sortServices(found), nil
			}
			svc, valid := fromEntry(entry)
			if !valid {
				s.logger.Debug("ignoring incomplete mdns entry")
				continue
			}
			addr := svc.Address()
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			s.logger.Debug("discovered device", "name", svc.Name, "address", addr)
			found = append(found, svc)
		}
	}
}

func fromEntry(e *zeroconf.ServiceEntry) (Service, bool) {
	if e == nil || e.Port <= 0 {
		return Service{}, false
	}
	host := ""
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case e.HostName != "":
		host = strings.TrimSuffix(e.HostName, ".")
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	}
	name := e.Instance
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSuffix(e.HostName, "."), ".local")
	}
	if host == "" || name == "" {
		return Service{}, false
	}
	return Service{Name: name, Host: host, Port: e.Port, Extra: ParseTXT(e.Text)}, true
}

// ParseTXT turns "key=value" TXT records into a map. Keys are lower-cased;
// records without '=' map to "".
func ParseTXT(records []string) map[string]string {
	if len(records) == 0 {
		return nil
	}
	out := make(map[string]string, len(records))
	for _, r := range records {
		if r == "" {
			continue
		}
		k, v, _ := strings.Cut(r, "=")
		out[strings.ToLower(k)] = v
	}
	return out
}

func sortServices(s []Service) []Service {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Name != s[j].Name {
			return s[i].Name < s[j].Name
		}
		return s[i].Address() < s[j].Address()
	})
	return s
}
