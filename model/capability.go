package model

import "strings"

// Capabilities checked by the deal engine.
const (
	CapDealView          = "deals:view"
	CapDealMove          = "deals:stage:move"
	CapDealStageOverride = "deals:stage:override"
	CapCalculationEdit   = "deals:calculation:edit"
	CapCatalogAdmin      = "catalog:admin"
)

// CapabilitySet holds granted capabilities. A grant is either an exact
// colon-separated name, a namespace ending in ":*" that covers every name
// below it, or "*" for everything.
type CapabilitySet map[string]bool

// Grant adds caps to the set.
func (cs CapabilitySet) Grant(caps ...string) {
	for _, c := range caps {
		cs[c] = true
	}
}

// Has reports whether some grant in the set covers want.
func (cs CapabilitySet) Has(want string) bool {
	if cs[want] || cs["*"] {
		return true
	}
	// Walk up the namespaces of want: deals:stage:move checks
	// deals:stage:* then deals:*.
	for ns := want; ; {
		i := strings.LastIndexByte(ns, ':')
		if i < 0 {
			return false
		}
		ns = ns[:i]
		if cs[ns+":*"] {
			return true
		}
	}
}

// CapabilityResolver returns the capabilities of an authenticated caller.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
}
