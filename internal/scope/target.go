package scope

import (
	"errors"
	"fmt"
	"net/mail"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/publicsuffix"

	"github.com/aegisflux/scanengine/internal/model"
)

// ErrInvalidTarget is returned when a target value does not match its type
var ErrInvalidTarget = errors.New("invalid target")

var phoneRe = regexp.MustCompile(`^\+[0-9]{6,15}$`)

// ValidateTarget checks the syntax of a target value against its declared type
func ValidateTarget(t model.Target) error {
	if t.Value == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidTarget)
	}
	if !model.IsTargetType(t.Type) {
		return fmt.Errorf("%w: %s cannot seed a scan", ErrInvalidTarget, t.Type)
	}

	ok := false
	switch t.Type {
	case model.TypeDomainName, model.TypeInternetName:
		ok = isHostname(t.Value)
	case model.TypeIPAddress:
		addr, err := netip.ParseAddr(t.Value)
		ok = err == nil && addr.Is4()
	case model.TypeIPv6Address:
		addr, err := netip.ParseAddr(t.Value)
		ok = err == nil && addr.Is6() && !addr.Is4In6()
	case model.TypeNetblockOwner:
		p, err := netip.ParsePrefix(t.Value)
		ok = err == nil && p.Addr().Is4()
	case model.TypeNetblockV6Owner:
		p, err := netip.ParsePrefix(t.Value)
		ok = err == nil && p.Addr().Is6()
	case model.TypeBGPASOwner:
		n, err := strconv.ParseUint(t.Value, 10, 32)
		ok = err == nil && n > 0
	case model.TypeEmailAddr:
		addr, err := mail.ParseAddress(t.Value)
		if err == nil && addr.Address == t.Value {
			at := strings.LastIndex(t.Value, "@")
			ok = at > 0 && isHostname(t.Value[at+1:])
		}
	case model.TypeHumanName:
		ok = len(strings.Fields(t.Value)) >= 2
	case model.TypeUsername:
		ok = !strings.ContainsAny(t.Value, " \t\r\n")
	case model.TypePhoneNumber:
		ok = phoneRe.MatchString(t.Value)
	}

	if !ok {
		return fmt.Errorf("%w: %q is not a valid %s", ErrInvalidTarget, t.Value, t.Type)
	}
	return nil
}

// DetectType guesses the target type of a raw value. A registrable domain is
// a DOMAIN_NAME, any other host name an INTERNET_NAME.
func DetectType(value string) (model.FindingType, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}

	if strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") && len(value) > 2 {
		return model.TypeHumanName, true
	}
	if strings.HasPrefix(value, "+") && phoneRe.MatchString(value) {
		return model.TypePhoneNumber, true
	}
	if n, err := strconv.ParseUint(value, 10, 32); err == nil && n > 0 {
		return model.TypeBGPASOwner, true
	}
	if p, err := netip.ParsePrefix(value); err == nil {
		if p.Addr().Is4() {
			return model.TypeNetblockOwner, true
		}
		return model.TypeNetblockV6Owner, true
	}
	if addr, err := netip.ParseAddr(value); err == nil {
		if addr.Is4() {
			return model.TypeIPAddress, true
		}
		return model.TypeIPv6Address, true
	}
	if strings.Contains(value, "@") {
		if err := ValidateTarget(model.NewTarget(value, model.TypeEmailAddr)); err == nil {
			return model.TypeEmailAddr, true
		}
		return "", false
	}
	if strings.Contains(value, ".") && isHostname(value) {
		host := strings.ToLower(strings.TrimSuffix(value, "."))
		if reg, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil && reg == host {
			return model.TypeDomainName, true
		}
		return model.TypeInternetName, true
	}
	if !strings.ContainsAny(value, " \t") {
		return model.TypeUsername, true
	}
	return "", false
}

func isHostname(v string) bool {
	if _, err := netip.ParseAddr(v); err == nil {
		return false
	}
	if strings.ContainsAny(v, " /:@") {
		return false
	}
	labels, ok := dns.IsDomainName(v)
	return ok && labels >= 1
}
