// Package domain resolves host names to IP addresses.
package domain

import (
	"context"
	"maps"
	"net"
	"net/netip"
	"slices"

	"github.com/pkg/errors"
)

var ErrDomainNotFound = errors.New("domain not found")

type Lookuper interface {
	LookupIP(ctx context.Context, domain string) (addrs []netip.Addr, err error)
}

type mapLookuper struct {
	set map[string][]netip.Addr
}

var _ Lookuper = (*mapLookuper)(nil)

func NewMapLookuper(set map[string][]netip.Addr) *mapLookuper {
	if set == nil {
		set = make(map[string][]netip.Addr)
	}
	set = maps.Clone(set)
	maps.DeleteFunc(set, func(_ string, addrs []netip.Addr) bool { return len(addrs) == 0 })
	return &mapLookuper{set: set}
}

func (m *mapLookuper) LookupIP(ctx context.Context, domain string) (addrs []netip.Addr, err error) {
	addrs, ok := m.set[domain]
	if !ok {
		return nil, ErrDomainNotFound
	}
	return slices.Clone(addrs), nil
}

func (m *mapLookuper) Set(domain string, addrs []netip.Addr) {
	if len(addrs) == 0 {
		return
	}
	m.set[domain] = slices.Clone(addrs)
}

func (m *mapLookuper) Del(domain string) { delete(m.set, domain) }

// SystemLookuper asks the operating system's resolver.
type SystemLookuper struct {
	Resolver *net.Resolver
}

var _ Lookuper = SystemLookuper{}

func (l SystemLookuper) LookupIP(ctx context.Context, domain string) ([]netip.Addr, error) {
	r := l.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	addrs, err := r.LookupNetIP(ctx, "ip", domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, errors.Wrap(ErrDomainNotFound, domain)
		}
		return nil, errors.Wrapf(err, "looking up %s", domain)
	}
	if len(addrs) == 0 {
		return nil, errors.Wrap(ErrDomainNotFound, domain)
	}

	for i, addr := range addrs {
		addrs[i] = addr.Unmap()
	}
	return addrs, nil
}
