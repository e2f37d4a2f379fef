package acme

import (
	"context"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/skua-io/acme/probs"
)

// Resolver is a small DNS client used to pre-check dns-01 record
// propagation before triggering a challenge. It talks to explicitly
// configured resolvers, typically the domain's authoritative servers, so
// the check is not fooled by local caches.
type Resolver struct {
	dnsClient *dns.Client
	servers   []string
}

// NewResolver builds a resolver against the given server addresses
// (host:port).
func NewResolver(dialTimeout time.Duration, servers []string) *Resolver {
	dnsClient := new(dns.Client)
	dnsClient.DialTimeout = dialTimeout
	return &Resolver{dnsClient: dnsClient, servers: servers}
}

// exchangeOne performs a single DNS exchange against the configured servers,
// trying each in order until one answers.
func (r *Resolver) exchangeOne(hostname string, qtype uint16) (*dns.Msg, error) {
	if len(r.servers) == 0 {
		return nil, probs.UsageError("resolver configured with no DNS servers")
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), qtype)
	m.SetEdns0(4096, false)

	var lastErr error
	for _, server := range r.servers {
		rsp, _, err := r.dnsClient.Exchange(m, server)
		if err != nil {
			lastErr = err
			continue
		}
		return rsp, nil
	}
	return nil, probs.NetworkError(lastErr, "DNS query for %s failed on all servers", hostname)
}

// LookupTXT returns all TXT records for the given hostname.
func (r *Resolver) LookupTXT(hostname string) ([]string, error) {
	rsp, err := r.exchangeOne(hostname, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	if rsp.Rcode != dns.RcodeSuccess {
		return nil, probs.New(probs.Network, "DNS failure: %d-%s for TXT query of %s",
			rsp.Rcode, dns.RcodeToString[rsp.Rcode], hostname)
	}

	var txt []string
	for _, answer := range rsp.Answer {
		if record, ok := answer.(*dns.TXT); ok {
			txt = append(txt, strings.Join(record.Txt, ""))
		}
	}
	return txt, nil
}

// VerifyDNSPropagation checks whether the TXT record for a dns-01 challenge
// is already visible for the given domain. It is a convenience for callers
// that publish records asynchronously; the challenge state machine never
// calls it.
func (c *Challenge) VerifyDNSPropagation(ctx context.Context, resolver *Resolver, domain string) (bool, error) {
	if resolver == nil {
		return false, probs.UsageError("propagation check requires a resolver")
	}
	digest, err := c.DNSDigest()
	if err != nil {
		return false, err
	}
	recordName, err := DNS01RecordName(domain)
	if err != nil {
		return false, err
	}

	type lookupResult struct {
		records []string
		err     error
	}
	results := make(chan lookupResult, 1)
	go func() {
		records, err := resolver.LookupTXT(recordName)
		results <- lookupResult{records, err}
	}()

	select {
	case <-ctx.Done():
		return false, probs.NetworkError(ctx.Err(), "propagation check canceled")
	case result := <-results:
		if result.err != nil {
			return false, result.err
		}
		for _, record := range result.records {
			if record == digest {
				return true, nil
			}
		}
		return false, nil
	}
}
