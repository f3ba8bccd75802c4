// Package discovery announces the main hub's link address in Consul and
// lets subordinates look it up.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"
)

const (
	ServiceName = "chatsync"
	MainTag     = "main"
)

var (
	ErrNoMain = errors.New("no main hub registered")
	// ErrUnroutable is returned for a wildcard or empty link host, which
	// subordinates could not dial.
	ErrUnroutable = errors.New("link address is not routable")
)

type Registry struct {
	cli       *consulapi.Client
	serviceID string
	log       zerolog.Logger
}

func New(addr string, log zerolog.Logger) (*Registry, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &Registry{cli: cli, log: log.With().Str("component", "discovery").Logger()}, nil
}

// Announce registers the main hub named name at linkAddr (host:port).
func (r *Registry) Announce(ctx context.Context, name, linkAddr string) error {
	host, portStr, err := net.SplitHostPort(linkAddr)
	if err != nil {
		return fmt.Errorf("invalid link address %q: %w", linkAddr, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return fmt.Errorf("%w: %s", ErrUnroutable, linkAddr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid link port %q: %w", portStr, err)
	}

	id := ServiceName + "-" + name
	reg := &consulapi.AgentServiceRegistration{
		ID:      id,
		Name:    ServiceName,
		Tags:    []string{MainTag},
		Address: host,
		Port:    port,
		Meta:    map[string]string{"server": name},
	}
	opts := consulapi.ServiceRegisterOpts{}.WithContext(ctx)
	if err := r.cli.Agent().ServiceRegisterOpts(reg, opts); err != nil {
		return fmt.Errorf("consul register failed: %w", err)
	}
	r.serviceID = id
	r.log.Info().Str("id", id).Str("addr", linkAddr).Msg("Announced main hub")
	return nil
}

// Withdraw removes the registration made by Announce.
func (r *Registry) Withdraw() error {
	if r.serviceID == "" {
		return nil
	}
	if err := r.cli.Agent().ServiceDeregister(r.serviceID); err != nil {
		return fmt.Errorf("consul deregister failed: %w", err)
	}
	r.log.Info().Str("id", r.serviceID).Msg("Withdrew main hub")
	r.serviceID = ""
	return nil
}

// Resolve returns the link address of the registered main hub.
func (r *Registry) Resolve(ctx context.Context) (string, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	services, _, err := r.cli.Catalog().Service(ServiceName, MainTag, q)
	if err != nil {
		return "", fmt.Errorf("consul lookup failed: %w", err)
	}
	for _, s := range services {
		host := s.ServiceAddress
		if host == "" {
			host = s.Address
		}
		if host == "" || s.ServicePort == 0 {
			continue
		}
		return net.JoinHostPort(host, strconv.Itoa(s.ServicePort)), nil
	}
	return "", ErrNoMain
}
