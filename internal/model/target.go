package model

import "strings"

// TargetTypes lists the finding types a scan may be seeded with
var TargetTypes = []FindingType{
	TypeDomainName,
	TypeInternetName,
	TypeIPAddress,
	TypeIPv6Address,
	TypeNetblockOwner,
	TypeNetblockV6Owner,
	TypeBGPASOwner,
	TypeEmailAddr,
	TypeHumanName,
	TypeUsername,
	TypePhoneNumber,
}

// Target is what a scan is run against
type Target struct {
	Value   string        `json:"value"`
	Type    FindingType   `json:"type"`
	Aliases []TargetAlias `json:"aliases,omitempty"`
}

// TargetAlias is an additional identifier considered part of the target
type TargetAlias struct {
	Value string      `json:"value"`
	Type  FindingType `json:"type"`
}

// NewTarget creates a target, normalising host-like values to lower case
func NewTarget(value string, t FindingType) Target {
	value = strings.TrimSpace(value)
	switch t {
	case TypeDomainName, TypeInternetName, TypeEmailAddr:
		value = strings.ToLower(strings.TrimSuffix(value, "."))
	}
	return Target{Value: value, Type: t}
}

// AddAlias registers an alias once
func (t *Target) AddAlias(value string, typ FindingType) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return
	}
	for _, a := range t.Aliases {
		if a.Value == value && a.Type == typ {
			return
		}
	}
	t.Aliases = append(t.Aliases, TargetAlias{Value: value, Type: typ})
}

// IsTargetType reports whether t can seed a scan
func IsTargetType(t FindingType) bool {
	for _, tt := range TargetTypes {
		if tt == t {
			return true
		}
	}
	return false
}
