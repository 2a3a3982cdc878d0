package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/module"
)

const strangeHeadersName = "sfp_strangeheaders"

var strangeHeadersDescriptor = module.Descriptor{
	Name:       strangeHeadersName,
	Summary:    "Obtain non-standard HTTP headers returned by web servers.",
	Categories: []string{"Content Analysis"},
	Watches:    []model.FindingType{model.TypeWebserverHTTPHeaders},
	Produces:   []model.FindingType{model.TypeWebserverStrangeHeader},
	// One header set per page is enough.
	DedupeOn: module.DedupeSource,
	Flags:    module.Flags{TargetScoped: true},
}

var standardHeaders = map[string]bool{
	"access-control-allow-origin": true, "accept-ranges": true, "age": true, "allow": true,
	"cache-control": true, "connection": true, "content-encoding": true, "content-language": true,
	"content-length": true, "content-location": true, "content-md5": true, "content-disposition": true,
	"content-range": true, "content-type": true, "date": true, "etag": true, "expires": true,
	"last-modified": true, "link": true, "location": true, "p3p": true, "pragma": true,
	"proxy-authenticate": true, "refresh": true, "retry-after": true, "server": true, "set-cookie": true,
	"status": true, "strict-transport-security": true, "trailer": true, "transfer-encoding": true,
	"vary": true, "via": true, "warning": true, "www-authenticate": true, "x-frame-options": true,
	"x-xss-protection": true, "content-security-policy": true, "x-content-security-policy": true,
	"x-webkit-csp": true, "x-content-type-options": true, "x-powered-by": true, "x-ua-compatible": true,
}

// StrangeHeaders reports response headers outside the common set
type StrangeHeaders struct {
	env module.Env
}

// NewStrangeHeaders creates an unconfigured instance
func NewStrangeHeaders() module.Module { return &StrangeHeaders{} }

func (m *StrangeHeaders) Descriptor() module.Descriptor { return strangeHeadersDescriptor }

func (m *StrangeHeaders) Configure(_ module.Options, env module.Env) error {
	m.env = env
	return nil
}

func (m *StrangeHeaders) Handle(ctx context.Context, f *model.Finding, emit module.Emitter) error {
	var headers map[string]any
	if err := json.Unmarshal([]byte(f.Data), &headers); err != nil {
		return fmt.Errorf("unexpected header format: %w", err)
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if standardHeaders[strings.ToLower(k)] {
			continue
		}
		data := fmt.Sprintf("%s: %v", k, headerValue(headers[k]))
		if err := emit.Emit(ctx, model.NewFinding(model.TypeWebserverStrangeHeader, data, strangeHeadersName, f)); err != nil {
			return err
		}
	}
	return nil
}

func headerValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(val)
	}
}
