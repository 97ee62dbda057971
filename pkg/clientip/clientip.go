// Package clientip resolves the public address an inbound request came from.
package clientip

import (
	"net"
	"net/http"
	"strings"
)

const ForwardedForHeader = "X-Forwarded-For"

// Resolve prefers the direct connection address and falls back to the first
// hop of the forwarded-for chain. The forwarded value is client-declared and
// therefore spoofable; it is returned as-is after trimming.
func Resolve(direct, forwardedFor string) (string, bool) {
	if ip := parseIP(direct); ip != "" {
		return ip, true
	}
	forwardedFor = strings.TrimSpace(forwardedFor)
	if forwardedFor == "" {
		return "", false
	}
	first := strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
	if first == "" {
		return "", false
	}
	return first, true
}

// Resolver applies Resolve to HTTP requests. A RemoteAddr inside one of the
// trusted proxy networks is the proxy's address, not the client's, so it is
// not treated as a direct connection.
type Resolver struct {
	TrustedProxies []*net.IPNet
}

func (r Resolver) FromRequest(req *http.Request) (string, bool) {
	if req == nil {
		return "", false
	}
	direct := parseIP(req.RemoteAddr)
	if direct != "" && r.isTrustedProxy(direct) {
		direct = ""
	}
	return Resolve(direct, req.Header.Get(ForwardedForHeader))
}

func (r Resolver) isTrustedProxy(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range r.TrustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseCIDRs reads a comma-separated list of networks; bare IPs become /32 or /128.
func ParseCIDRs(raw string) []*net.IPNet {
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			ip := net.ParseIP(part)
			if ip == nil {
				continue
			}
			if ip.To4() != nil {
				part += "/32"
			} else {
				part += "/128"
			}
		}
		if _, cidr, err := net.ParseCIDR(part); err == nil {
			out = append(out, cidr)
		}
	}
	return out
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		addr = host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}
