package registry

import "strings"

// Capability names something an agent can do. Capabilities are plain
// opaque tags; two capabilities match only when the normalized names
// are equal.
type Capability string

// Normalize returns the canonical form used for comparisons.
func (c Capability) Normalize() Capability {
	return Capability(strings.ToLower(strings.TrimSpace(string(c))))
}

// String returns the capability name.
func (c Capability) String() string {
	return string(c)
}

// HasCapability checks if an agent has a specific capability.
func HasCapability(record AgentRecord, capability Capability) bool {
	want := capability.Normalize()
	for _, c := range record.Capabilities {
		if c.Normalize() == want {
			return true
		}
	}
	return false
}

// HasAllCapabilities checks if an agent holds every listed capability.
// An empty list always matches.
func HasAllCapabilities(record AgentRecord, caps []Capability) bool {
	for _, c := range caps {
		if !HasCapability(record, c) {
			return false
		}
	}
	return true
}

// CapabilitySet deduplicates capabilities across records, preserving
// first-seen order of the normalized names.
func CapabilitySet(records []AgentRecord) []Capability {
	seen := make(map[Capability]bool)
	var out []Capability

	for _, r := range records {
		for _, c := range r.Capabilities {
			n := c.Normalize()
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}

	return out
}
