package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ehsanking/cipher-relay/internal/protocol"
	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"
)

var ErrNoAddress = errors.New("no address records")

// Resolver looks up target names on one DNS server.
type Resolver struct {
	server string
	client *dns.Client
}

func NewResolver(server string, timeout time.Duration) *Resolver {
	return &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// Lookup returns the first A record of host, falling back to AAAA.
func (r *Resolver) Lookup(ctx context.Context, host string) (net.IP, error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		in, _, err := r.client.ExchangeContext(ctx, m, r.server)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		if in.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("resolve %s: %s", host, dns.RcodeToString[in.Rcode])
		}
		for _, rr := range in.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				return rec.A, nil
			case *dns.AAAA:
				return rec.AAAA, nil
			}
		}
	}
	return nil, fmt.Errorf("resolve %s: %w", host, ErrNoAddress)
}

// Dialer opens outbound target connections with a fixed timeout and a bound
// on how many dials are in flight.
type Dialer struct {
	timeout  time.Duration
	sem      *semaphore.Weighted
	resolver *Resolver
	dialer   net.Dialer
}

// NewDialer creates a Dialer. resolver may be nil to use the system resolver.
func NewDialer(timeout time.Duration, maxPending int64, resolver *Resolver) *Dialer {
	return &Dialer{
		timeout:  timeout,
		sem:      semaphore.NewWeighted(maxPending),
		resolver: resolver,
		dialer: net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		},
	}
}

func (d *Dialer) Dial(ctx context.Context, target protocol.Target) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	addr := target.String()
	if d.resolver != nil && net.ParseIP(target.Host) == nil {
		ip, err := d.resolver.Lookup(ctx, target.Host)
		if err != nil {
			return nil, err
		}
		addr = protocol.Target{Host: ip.String(), Port: target.Port}.String()
	}
	return d.dialer.DialContext(ctx, "tcp", addr)
}
