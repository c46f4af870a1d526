package auth

import (
	"fmt"
	"strings"
)

// Capability names one independently grantable product area.
type Capability string

const (
	CapInvoices        Capability = "invoices"
	CapQuotes          Capability = "quotes"
	CapClients         Capability = "clients"
	CapProducts        Capability = "products"
	CapStockManagement Capability = "stockManagement"
	CapReports         Capability = "reports"
	CapHRManagement    Capability = "hrManagement"
	CapSettings        Capability = "settings"
)

// Capabilities is the closed vocabulary in display order.
var Capabilities = []Capability{
	CapInvoices,
	CapQuotes,
	CapClients,
	CapProducts,
	CapStockManagement,
	CapReports,
	CapHRManagement,
	CapSettings,
}

// ParseCapability resolves a capability name, case-insensitively.
func ParseCapability(s string) (Capability, error) {
	s = strings.TrimSpace(s)
	for _, c := range Capabilities {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown capability %q", ErrInvalidInput, s)
}

// PermissionSet is the fixed-shape record of capability flags carried by a
// sub-user. Missing JSON fields decode as false.
type PermissionSet struct {
	Invoices        bool `json:"invoices"`
	Quotes          bool `json:"quotes"`
	Clients         bool `json:"clients"`
	Products        bool `json:"products"`
	StockManagement bool `json:"stockManagement"`
	Reports         bool `json:"reports"`
	HRManagement    bool `json:"hrManagement"`
	Settings        bool `json:"settings"`
}

// FullPermissions is the implicit set held by an account owner.
func FullPermissions() PermissionSet {
	return PermissionSet{
		Invoices:        true,
		Quotes:          true,
		Clients:         true,
		Products:        true,
		StockManagement: true,
		Reports:         true,
		HRManagement:    true,
		Settings:        true,
	}
}

// Grant builds a set with the listed capabilities switched on.
func Grant(caps ...Capability) PermissionSet {
	var p PermissionSet
	for _, c := range caps {
		p = p.With(c, true)
	}
	return p
}

// Has reports whether the capability flag is set.
func (p PermissionSet) Has(c Capability) bool {
	switch c {
	case CapInvoices:
		return p.Invoices
	case CapQuotes:
		return p.Quotes
	case CapClients:
		return p.Clients
	case CapProducts:
		return p.Products
	case CapStockManagement:
		return p.StockManagement
	case CapReports:
		return p.Reports
	case CapHRManagement:
		return p.HRManagement
	case CapSettings:
		return p.Settings
	}
	return false
}

// With returns a copy of p with the capability flag set to v.
func (p PermissionSet) With(c Capability, v bool) PermissionSet {
	switch c {
	case CapInvoices:
		p.Invoices = v
	case CapQuotes:
		p.Quotes = v
	case CapClients:
		p.Clients = v
	case CapProducts:
		p.Products = v
	case CapStockManagement:
		p.StockManagement = v
	case CapReports:
		p.Reports = v
	case CapHRManagement:
		p.HRManagement = v
	case CapSettings:
		p.Settings = v
	}
	return p
}

// WithoutSettings clears the settings flag.
func (p PermissionSet) WithoutSettings() PermissionSet {
	p.Settings = false
	return p
}

// HasAnyGrant reports whether at least one non-settings flag is set.
func (p PermissionSet) HasAnyGrant() bool {
	for _, c := range Capabilities {
		if c != CapSettings && p.Has(c) {
			return true
		}
	}
	return false
}

// Granted lists the set flags in vocabulary order.
func (p PermissionSet) Granted() []Capability {
	var out []Capability
	for _, c := range Capabilities {
		if p.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Map expands the set into a flag map covering the whole vocabulary.
func (p PermissionSet) Map() map[Capability]bool {
	out := make(map[Capability]bool, len(Capabilities))
	for _, c := range Capabilities {
		out[c] = p.Has(c)
	}
	return out
}
