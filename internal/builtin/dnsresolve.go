package builtin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/module"
)

const dnsResolveName = "sfp_dnsresolve"

var dnsResolveDescriptor = module.Descriptor{
	Name:       dnsResolveName,
	Summary:    "Resolve host names to IP addresses and follow in-scope aliases.",
	Categories: []string{"DNS"},
	Watches:    []model.FindingType{model.TypeDomainName, model.TypeInternetName},
	Produces:   []model.FindingType{model.TypeIPAddress, model.TypeIPv6Address, model.TypeInternetName},
	Flags:      module.Flags{TargetScoped: true},
	DefaultOptions: module.Options{
		"nameserver": "",
		"ipv6":       true,
		"timeout_ms": 5000,
	},
	OptionsSchema: `{
		"type": "object",
		"properties": {
			"nameserver": {"type": "string"},
			"ipv6": {"type": "boolean"},
			"timeout_ms": {"type": "integer", "minimum": 100}
		}
	}`,
	Timeout: 30 * time.Second,
}

const fallbackNameserver = "1.1.1.1:53"

// DNSResolve looks up A and AAAA records. CNAME targets inside the scan scope
// are reported as new host names.
type DNSResolve struct {
	server string
	ipv6   bool
	client *dns.Client
	env    module.Env
}

// NewDNSResolve creates an unconfigured instance
func NewDNSResolve() module.Module { return &DNSResolve{} }

func (m *DNSResolve) Descriptor() module.Descriptor { return dnsResolveDescriptor }

func (m *DNSResolve) Configure(opts module.Options, env module.Env) error {
	server := opts.String("nameserver")
	if server == "" {
		server = systemNameserver()
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	m.server = server
	m.ipv6 = opts.Bool("ipv6", true)
	m.client = &dns.Client{Timeout: time.Duration(opts.Int("timeout_ms", 5000)) * time.Millisecond}
	m.env = env
	return nil
}

func systemNameserver() string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return fallbackNameserver
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}

func (m *DNSResolve) Handle(ctx context.Context, f *model.Finding, emit module.Emitter) error {
	host := strings.TrimSuffix(strings.ToLower(f.Data), ".")

	qtypes := []uint16{dns.TypeA}
	if m.ipv6 {
		qtypes = append(qtypes, dns.TypeAAAA)
	}

	seen := make(map[string]bool)
	var errs []error
	for _, qt := range qtypes {
		answers, err := m.query(ctx, host, qt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, rr := range answers {
			nf := m.toFinding(rr, f)
			if nf == nil || seen[string(nf.Type)+nf.Data] {
				continue
			}
			seen[string(nf.Type)+nf.Data] = true
			if err := emit.Emit(ctx, nf); err != nil {
				return err
			}
		}
	}
	// A failed lookup only loses this host name.
	return errors.Join(errs...)
}

func (m *DNSResolve) query(ctx context.Context, host string, qtype uint16) ([]dns.RR, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := m.client.ExchangeContext(ctx, msg, m.server)
	if err != nil {
		return nil, fmt.Errorf("%s lookup for %s: %w", dns.TypeToString[qtype], host, err)
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
		return resp.Answer, nil
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("%s lookup for %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[resp.Rcode])
	}
}

func (m *DNSResolve) toFinding(rr dns.RR, parent *model.Finding) *model.Finding {
	switch r := rr.(type) {
	case *dns.A:
		return model.NewFinding(model.TypeIPAddress, r.A.String(), dnsResolveName, parent)
	case *dns.AAAA:
		return model.NewFinding(model.TypeIPv6Address, r.AAAA.String(), dnsResolveName, parent)
	case *dns.CNAME:
		alias := strings.TrimSuffix(strings.ToLower(r.Target), ".")
		if alias == "" || m.env.Scope == nil || !m.env.Scope.InScope(alias) {
			return nil
		}
		return model.NewFinding(model.TypeInternetName, alias, dnsResolveName, parent)
	}
	return nil
}
