package model

import "strings"

// CapabilitySet holds the capabilities granted to an actor, such as
// "maintenance:work:start". A grant ending in ":*" covers every capability
// below that prefix and a lone "*" covers everything.
type CapabilitySet map[string]bool

// Grant adds capabilities to the set and returns it.
func (cs CapabilitySet) Grant(caps ...string) CapabilitySet {
	for _, c := range caps {
		if c = strings.TrimSpace(c); c != "" {
			cs[c] = true
		}
	}
	return cs
}

// Has reports whether cap is granted directly or by a wildcard grant on one
// of its prefixes. "maintenance:*" covers "maintenance:work:start";
// "maintenance:work" does not.
func (cs CapabilitySet) Has(cap string) bool {
	if cap == "" {
		return false
	}
	if cs[cap] || cs["*"] {
		return true
	}
	for i := strings.IndexByte(cap, ':'); i >= 0; {
		if cs[cap[:i+1]+"*"] {
			return true
		}
		next := strings.IndexByte(cap[i+1:], ':')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return false
}

// HasAll reports whether every capability in caps is granted.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, c := range caps {
		if !cs.Has(c) {
			return false
		}
	}
	return true
}
