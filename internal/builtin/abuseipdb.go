package builtin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aegisflux/scanengine/internal/fetch"
	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/module"
)

const abuseIPDBName = "sfp_abuseipdb"

var abuseIPDBDescriptor = module.Descriptor{
	Name:       abuseIPDBName,
	Summary:    "Check if an IP address is malicious according to the AbuseIPDB blacklist.",
	Categories: []string{"Reputation Systems"},
	Watches:    []model.FindingType{model.TypeIPAddress, model.TypeAffiliateIPAddr},
	Produces:   []model.FindingType{model.TypeMaliciousIPAddr, model.TypeMaliciousAffiliateIPAddr},
	Flags:      module.Flags{RequiresAPIKey: true},
	DefaultOptions: module.Options{
		"api_key":           "",
		"confidenceminimum": 90,
		"checkaffiliates":   true,
		"limit":             10000,
		"base_url":          "https://api.abuseipdb.com",
	},
	OptionsSchema: `{
		"type": "object",
		"properties": {
			"api_key": {"type": "string"},
			"confidenceminimum": {"type": "integer", "minimum": 25, "maximum": 100},
			"checkaffiliates": {"type": "boolean"},
			"limit": {"type": "integer", "minimum": 1},
			"base_url": {"type": "string", "format": "uri"}
		}
	}`,
	Pacing:  time.Second,
	Timeout: 90 * time.Second,
}

type abuseIPDBConfig struct {
	APIKey            string `json:"api_key"`
	ConfidenceMinimum int    `json:"confidenceminimum"`
	CheckAffiliates   bool   `json:"checkaffiliates"`
	Limit             int    `json:"limit"`
	BaseURL           string `json:"base_url"`
}

// AbuseIPDB flags addresses found on the AbuseIPDB blacklist. The blacklist
// is fetched once and answered from the response cache for a day.
type AbuseIPDB struct {
	cfg       abuseIPDBConfig
	env       module.Env
	blacklist map[string]bool
}

// NewAbuseIPDB creates an unconfigured instance
func NewAbuseIPDB() module.Module { return &AbuseIPDB{} }

func (m *AbuseIPDB) Descriptor() module.Descriptor { return abuseIPDBDescriptor }

func (m *AbuseIPDB) Configure(opts module.Options, env module.Env) error {
	if err := opts.Decode(&m.cfg); err != nil {
		return err
	}
	if m.cfg.APIKey == "" {
		return module.ErrMissingAPIKey
	}
	if env.Net == nil {
		return errors.New("network access is required")
	}
	m.env = env
	return nil
}

func (m *AbuseIPDB) Handle(ctx context.Context, f *model.Finding, emit module.Emitter) error {
	var produce model.FindingType
	switch f.Type {
	case model.TypeIPAddress:
		produce = model.TypeMaliciousIPAddr
	case model.TypeAffiliateIPAddr:
		if !m.cfg.CheckAffiliates {
			return nil
		}
		produce = model.TypeMaliciousAffiliateIPAddr
	default:
		return nil
	}

	blacklist, err := m.loadBlacklist(ctx)
	if err != nil {
		return err
	}
	if !blacklist[f.Data] {
		return nil
	}

	m.env.Logger.Info("Malicious IP address found in AbuseIPDB blacklist", "ip", f.Data)
	data := fmt.Sprintf("AbuseIPDB [%s]\n<SFURL>https://www.abuseipdb.com/check/%s</SFURL>", f.Data, f.Data)
	return emit.Emit(ctx, model.NewFinding(produce, data, abuseIPDBName, f))
}

func (m *AbuseIPDB) loadBlacklist(ctx context.Context) (map[string]bool, error) {
	if m.blacklist != nil {
		return m.blacklist, nil
	}

	params := url.Values{}
	params.Set("confidenceMinimum", strconv.Itoa(m.cfg.ConfidenceMinimum))
	params.Set("limit", strconv.Itoa(m.cfg.Limit))
	params.Set("plaintext", "1")

	resp, err := m.env.Net.Do(ctx, fetch.Call{
		Signature: []string{"blacklist", params.Encode()},
		URL:       strings.TrimRight(m.cfg.BaseURL, "/") + "/api/v2/blacklist?" + params.Encode(),
		Headers: map[string]string{
			"Key":    m.cfg.APIKey,
			"Accept": "text/plain",
		},
		// Large blacklists can take a while.
		Timeout: 60 * time.Second,
		MaxAge:  24 * time.Hour,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, module.Unrecoverable(fmt.Errorf("rate-limited by AbuseIPDB: %w", err))
		}
		return nil, module.Unrecoverable(fmt.Errorf("failed to retrieve AbuseIPDB blacklist: %w", err))
	}
	if len(resp.Body) == 0 {
		return nil, module.Unrecoverable(errors.New("received no content from AbuseIPDB"))
	}

	m.blacklist = parseBlacklist(string(resp.Body))
	return m.blacklist, nil
}

// parseBlacklist reads one address per line, skipping comments and junk
func parseBlacklist(body string) map[string]bool {
	out := make(map[string]bool)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := netip.ParseAddr(line); err != nil {
			continue
		}
		out[line] = true
	}
	return out
}
