package upstream

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Endpoint decides the publisher address for the current deployment.
type Endpoint struct {
	Edge        bool
	ServiceHost string
	LocalHost   string
	Port        int
	Resolver    Resolver
}

// Resolve returns the tcp:// address to dial. In edge mode the service host
// is resolved to an IP first, preferring IPv4. Outside edge deployments the
// local host is used as-is.
func (e Endpoint) Resolve(ctx context.Context) (string, error) {
	port := strconv.Itoa(e.Port)
	if !e.Edge {
		return "tcp://" + net.JoinHostPort(e.LocalHost, port), nil
	}

	resolver := e.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupHost(ctx, e.ServiceHost)
	if err != nil {
		return "", &ConnectionError{Endpoint: e.ServiceHost, Err: fmt.Errorf("resolve: %w", err)}
	}
	ip := pickAddr(addrs)
	if ip == "" {
		return "", &ConnectionError{Endpoint: e.ServiceHost, Err: fmt.Errorf("resolve: no addresses")}
	}
	return "tcp://" + net.JoinHostPort(ip, port), nil
}

func pickAddr(addrs []string) string {
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	if len(addrs) > 0 {
		return addrs[0]
	}
	return ""
}
