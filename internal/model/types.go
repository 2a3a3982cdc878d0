package model

import (
	"sort"
	"sync"
)

// FindingType is the tag carried by every finding. Modules declare the types
// they watch and produce in terms of it.
type FindingType string

// Wildcard matches every finding type when used in a watched-type set.
const Wildcard FindingType = "*"

// Built-in finding types.
const (
	TypeDomainName               FindingType = "DOMAIN_NAME"
	TypeInternetName             FindingType = "INTERNET_NAME"
	TypeIPAddress                FindingType = "IP_ADDRESS"
	TypeIPv6Address              FindingType = "IPV6_ADDRESS"
	TypeAffiliateIPAddr          FindingType = "AFFILIATE_IPADDR"
	TypeMaliciousIPAddr          FindingType = "MALICIOUS_IPADDR"
	TypeMaliciousAffiliateIPAddr FindingType = "MALICIOUS_AFFILIATE_IPADDR"
	TypeNetblockOwner            FindingType = "NETBLOCK_OWNER"
	TypeNetblockV6Owner          FindingType = "NETBLOCKV6_OWNER"
	TypeBGPASOwner               FindingType = "BGP_AS_OWNER"
	TypeEmailAddr                FindingType = "EMAILADDR"
	TypeHumanName                FindingType = "HUMAN_NAME"
	TypeUsername                 FindingType = "USERNAME"
	TypePhoneNumber              FindingType = "PHONE_NUMBER"
	TypeSocialMedia              FindingType = "SOCIAL_MEDIA"
	TypeGeoInfo                  FindingType = "GEOINFO"
	TypeRawRIRData               FindingType = "RAW_RIR_DATA"
	TypeWebserverHTTPHeaders     FindingType = "WEBSERVER_HTTPHEADERS"
	TypeWebserverStrangeHeader   FindingType = "WEBSERVER_STRANGEHEADER"
	TypeLinkedURLInternal        FindingType = "LINKED_URL_INTERNAL"
	TypeLinkedURLExternal        FindingType = "LINKED_URL_EXTERNAL"
)

var builtinTypes = map[FindingType]string{
	TypeDomainName:               "Domain Name",
	TypeInternetName:             "Internet Name",
	TypeIPAddress:                "IP Address",
	TypeIPv6Address:              "IPv6 Address",
	TypeAffiliateIPAddr:          "Affiliate - IP Address",
	TypeMaliciousIPAddr:          "Malicious IP Address",
	TypeMaliciousAffiliateIPAddr: "Malicious Affiliate IP Address",
	TypeNetblockOwner:            "Netblock Ownership",
	TypeNetblockV6Owner:          "Netblock IPv6 Ownership",
	TypeBGPASOwner:               "BGP AS Ownership",
	TypeEmailAddr:                "Email Address",
	TypeHumanName:                "Human Name",
	TypeUsername:                 "Username",
	TypePhoneNumber:              "Phone Number",
	TypeSocialMedia:              "Social Media Presence",
	TypeGeoInfo:                  "Physical Location",
	TypeRawRIRData:               "Raw Data from RIRs/APIs",
	TypeWebserverHTTPHeaders:     "HTTP Headers",
	TypeWebserverStrangeHeader:   "Non-Standard HTTP Header",
	TypeLinkedURLInternal:        "Linked URL - Internal",
	TypeLinkedURLExternal:        "Linked URL - External",
}

// TypeInfo describes a catalog entry
type TypeInfo struct {
	Type        FindingType `json:"type"`
	Description string      `json:"description"`
}

// Catalog is the set of finding types the engine accepts. It starts with the
// built-in types and can be extended at process start.
type Catalog struct {
	mu    sync.RWMutex
	types map[FindingType]string
}

// NewCatalog creates a catalog holding the built-in types
func NewCatalog() *Catalog {
	c := &Catalog{types: make(map[FindingType]string, len(builtinTypes))}
	for t, desc := range builtinTypes {
		c.types[t] = desc
	}
	return c
}

// Register adds a finding type. Registering an existing type replaces its
// description.
func (c *Catalog) Register(t FindingType, description string) {
	if t == "" || t == Wildcard {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[t] = description
}

// Known reports whether t is in the catalog
func (c *Catalog) Known(t FindingType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.types[t]
	return ok
}

// List returns all registered types sorted by name
func (c *Catalog) List() []TypeInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TypeInfo, 0, len(c.types))
	for t, desc := range c.types {
		out = append(out, TypeInfo{Type: t, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
