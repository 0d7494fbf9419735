package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sonnylloyd/siprelay/pkg/config"
	"github.com/sonnylloyd/siprelay/pkg/events"
)

// Watcher keeps the registry in sync with an external source of backend
// records. Update performs one synchronization pass; Watch runs until the
// context is canceled.
type Watcher interface {
	Update() error
	Watch(ctx context.Context) error
}

// NewWatcher selects the watcher implementation for the configured source.
func NewWatcher(cfg *config.Config, reg Registry, publisher events.Publisher, logger *logrus.Logger) (Watcher, error) {
	switch cfg.Registry.Watcher {
	case "", "static":
		return NewStaticWatcher(cfg.Registry, reg, publisher, logger), nil
	default:
		return nil, fmt.Errorf("unknown service watcher %q", cfg.Registry.Watcher)
	}
}

// StaticWatcher populates the registry from the configured route table. It
// re-applies the table periodically so externally edited .env deployments
// converge without a restart of the watch loop.
type StaticWatcher struct {
	cfg       config.RegistryConfig
	registry  Registry
	publisher events.Publisher
	logger    *logrus.Logger
}

// NewStaticWatcher creates a watcher over a fixed route table.
func NewStaticWatcher(cfg config.RegistryConfig, reg Registry, publisher events.Publisher, logger *logrus.Logger) *StaticWatcher {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &StaticWatcher{
		cfg:       cfg,
		registry:  reg,
		publisher: publisher,
		logger:    logger,
	}
}

// Update parses the route table and reconciles the registry against it.
// Entries that fail to parse are skipped with a warning; the rest still
// apply. Routes that changed or disappeared produce lifecycle events, an
// unchanged table produces none.
func (w *StaticWatcher) Update() error {
	routes, errs := ParseRoutes(w.cfg.StaticRoutes)
	for _, err := range errs {
		w.logger.WithError(err).Warn("Skipping unparseable route entry")
	}

	desired := make(map[string]Record, len(routes))
	for _, route := range routes {
		desired[route.Hostname] = route.Record
	}

	for _, existing := range w.registry.All() {
		if _, ok := desired[existing.Hostname]; ok {
			continue
		}
		w.registry.Delete(existing.Hostname)
		w.logger.WithField("hostname", existing.Hostname).Info("Removed backend route")
		w.publisher.Publish(events.Event{
			Type:      events.TypeRouteRemoved,
			Hostname:  existing.Hostname,
			BackendIP: existing.Record.IP,
		})
	}

	for _, route := range routes {
		if current, ok := w.registry.Resolve(route.Hostname); ok && current == route.Record {
			continue
		}
		w.registry.Add(route.Hostname, route.Record)
		w.logger.WithFields(logrus.Fields{
			"hostname": route.Hostname,
			"ip":       route.Record.IP,
			"udp_port": route.Record.UDPPort,
			"tls_port": route.Record.TLSPort,
		}).Info("Registered backend route")
		w.publisher.Publish(events.Event{
			Type:      events.TypeRouteAdded,
			Hostname:  route.Hostname,
			BackendIP: route.Record.IP,
		})
	}
	return nil
}

// Watch applies the route table, then re-applies it on the refresh interval
// until the context is canceled.
func (w *StaticWatcher) Watch(ctx context.Context) error {
	if err := w.Update(); err != nil {
		return err
	}

	interval := w.cfg.RefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Update(); err != nil {
				w.logger.WithError(err).Warn("Route table refresh failed")
			}
		}
	}
}

// ParseRoutes parses a comma-separated route table of the form
// "hostname:ip:udpPort:tlsPort". Port fields may be empty; at least one must
// be present.
func ParseRoutes(table string) ([]Route, []error) {
	var routes []Route
	var errs []error

	for _, entry := range strings.Split(table, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			errs = append(errs, fmt.Errorf("route %q: want hostname:ip:udpPort:tlsPort", entry))
			continue
		}

		hostname := strings.TrimSpace(parts[0])
		ip := strings.TrimSpace(parts[1])
		if hostname == "" || ip == "" {
			errs = append(errs, fmt.Errorf("route %q: hostname and ip are required", entry))
			continue
		}

		udpPort, err := parsePort(parts[2])
		if err != nil {
			errs = append(errs, fmt.Errorf("route %q: %w", entry, err))
			continue
		}
		tlsPort, err := parsePort(parts[3])
		if err != nil {
			errs = append(errs, fmt.Errorf("route %q: %w", entry, err))
			continue
		}
		if udpPort == 0 && tlsPort == 0 {
			errs = append(errs, fmt.Errorf("route %q: at least one port is required", entry))
			continue
		}

		routes = append(routes, Route{
			Hostname: hostname,
			Record:   Record{IP: ip, UDPPort: udpPort, TLSPort: tlsPort},
		})
	}

	return routes, errs
}

func parsePort(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	return port, nil
}
