package engine

import "strings"

// allowlistChecker implements integrations.EgressChecker against a
// workflow's egress_allowlist: exact host match, or a leading "*." entry
// matching any subdomain. An empty allowlist allows nothing — adapters that
// need egress checks require a non-empty allowlist to be configured.
type allowlistChecker struct {
	hosts map[string]bool
	wild  []string
}

func newAllowlistChecker(allowlist []string) *allowlistChecker {
	c := &allowlistChecker{hosts: make(map[string]bool, len(allowlist))}
	for _, h := range allowlist {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if strings.HasPrefix(h, "*.") {
			c.wild = append(c.wild, h[1:]) // keep the leading dot
			continue
		}
		c.hosts[h] = true
	}
	return c
}

// Allowed implements integrations.EgressChecker.
func (c *allowlistChecker) Allowed(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if c.hosts[host] {
		return true
	}
	for _, suffix := range c.wild {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
