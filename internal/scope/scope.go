// Package scope gates which discovered targets a run may fuzz. Entries are
// IPs, CIDRs, glob patterns or plain names; deny always wins over allow.
package scope

import (
	"fmt"
	"net"
	"path"
	"strings"
)

var privateCIDRAliases = map[string][]string{
	"internal":  {"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8", "169.254.0.0/16"},
	"private":   {"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
	"loopback":  {"127.0.0.0/8"},
	"local":     {"127.0.0.0/8"},
	"linklocal": {"169.254.0.0/16"},
}

type Policy struct {
	allowIPs      []net.IP
	allowNets     []*net.IPNet
	allowLiterals []string
	denyIPs       []net.IP
	denyNets      []*net.IPNet
	denyLiterals  []string
}

func New(allowEntries, denyEntries []string) *Policy {
	allowIPs, allowNets, allowLiterals := parseEntries(allowEntries)
	denyIPs, denyNets, denyLiterals := parseEntries(denyEntries)
	return &Policy{
		allowIPs:      allowIPs,
		allowNets:     allowNets,
		allowLiterals: allowLiterals,
		denyIPs:       denyIPs,
		denyNets:      denyNets,
		denyLiterals:  denyLiterals,
	}
}

func (p *Policy) HasRules() bool {
	if p == nil {
		return false
	}
	return len(p.allowIPs) > 0 || len(p.allowNets) > 0 || len(p.allowLiterals) > 0 ||
		len(p.denyIPs) > 0 || len(p.denyNets) > 0 || len(p.denyLiterals) > 0
}

// Admit decides whether a target identifier may enter the run. A nil
// policy or one without rules admits everything. Deny rules are checked
// first; when any allow rules exist the target must also match one.
func (p *Policy) Admit(target string) error {
	if p == nil {
		return nil
	}
	name := strings.ToLower(strings.TrimSpace(target))
	if name == "" {
		return fmt.Errorf("empty target name")
	}
	allowEnforced := len(p.allowIPs) > 0 || len(p.allowNets) > 0 || len(p.allowLiterals) > 0

	if ip := parseTargetIP(name); ip != nil {
		if matchIP(ip, p.denyIPs, p.denyNets) {
			return fmt.Errorf("target %s is denied by scope", target)
		}
		if allowEnforced && !matchIP(ip, p.allowIPs, p.allowNets) {
			return fmt.Errorf("target %s is out of scope", target)
		}
		return nil
	}

	if matchLiteral(name, p.denyLiterals) {
		return fmt.Errorf("target %s is denied by scope", target)
	}
	if allowEnforced && !matchLiteral(name, p.allowLiterals) {
		return fmt.Errorf("target %s is out of scope", target)
	}
	return nil
}

func parseEntries(entries []string) ([]net.IP, []*net.IPNet, []string) {
	ips := []net.IP{}
	nets := []*net.IPNet{}
	literals := []string{}
	for _, entry := range expandAliases(entries) {
		token := strings.ToLower(strings.TrimSpace(entry))
		if token == "" {
			continue
		}
		if strings.Contains(token, "/") {
			if _, network, err := net.ParseCIDR(token); err == nil {
				nets = append(nets, network)
				continue
			}
		}
		if ip := net.ParseIP(token); ip != nil {
			ips = append(ips, ip)
			continue
		}
		literals = append(literals, token)
	}
	return ips, nets, literals
}

func expandAliases(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		token := strings.ToLower(strings.TrimSpace(entry))
		if alias, ok := privateCIDRAliases[token]; ok {
			out = append(out, alias...)
			continue
		}
		out = append(out, entry)
	}
	return out
}

func parseTargetIP(target string) net.IP {
	if target == "localhost" {
		return net.ParseIP("127.0.0.1")
	}
	return net.ParseIP(target)
}

func matchIP(ip net.IP, ips []net.IP, nets []*net.IPNet) bool {
	for _, candidate := range ips {
		if candidate.Equal(ip) {
			return true
		}
	}
	for _, network := range nets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// matchLiteral accepts exact names and glob patterns ("svc-*").
func matchLiteral(target string, literals []string) bool {
	for _, literal := range literals {
		if literal == target {
			return true
		}
		if ok, err := path.Match(literal, target); err == nil && ok {
			return true
		}
	}
	return false
}
