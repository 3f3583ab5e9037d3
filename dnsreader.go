package dyndns

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
)

// PublishedIP is the IPv4 address currently returned by a DNS query for the
// managed hostname. Exists is false when no A record is published, which is
// a legitimate state on first run.
type PublishedIP struct {
	Addr   netip.Addr
	Exists bool
}

var defaultNameservers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// DNSReader constructs a RecordReader that queries the given nameservers
// (host:port) for A records, first answer wins. With no arguments it asks
// Cloudflare and Google public DNS.
func DNSReader(nameservers ...string) RecordReader {
	if len(nameservers) == 0 {
		nameservers = defaultNameservers
	}
	return &dnsReader{
		client:  new(dns.Client),
		servers: nameservers,
	}
}

type dnsReader struct {
	client  *dns.Client
	servers []string
}

// Lookup implements RecordReader.
func (r *dnsReader) Lookup(ctx context.Context, hostname string) (PublishedIP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), dns.TypeA)

	var errs []error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return PublishedIP{}, nil
		default:
			errs = append(errs, fmt.Errorf("%s: query returned %s", server, dns.RcodeToString[resp.Rcode]))
			continue
		}

		var addrs []netip.Addr
		for _, rr := range resp.Answer {
			a, ok := rr.(*dns.A)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(a.A.To4())
			if !ok {
				return PublishedIP{}, fmt.Errorf("record for %s holds a malformed address: %v", hostname, a.A)
			}
			addrs = append(addrs, addr)
		}
		switch len(addrs) {
		case 0:
			// NOERROR with an empty answer section: the zone exists but the
			// record was never created.
			return PublishedIP{}, nil
		case 1:
			return PublishedIP{Addr: addrs[0], Exists: true}, nil
		default:
			return PublishedIP{}, fmt.Errorf("A record for %s has %d addresses; managing more than one is not supported", hostname, len(addrs))
		}
	}
	return PublishedIP{}, fmt.Errorf("dns lookup for %s failed: %w", hostname, errors.Join(errs...))
}
