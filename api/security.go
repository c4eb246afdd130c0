package api

import (
	"net"
	"net/http"
	"strings"
)

// getRealIP extracts the client IP. Forwarding headers are honoured only
// when trustProxy is set and the direct peer is a trusted proxy.
func getRealIP(r *http.Request, trustProxy bool, trustedNetworks []string) string {
	directIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		directIP = r.RemoteAddr
	}
	if !trustProxy || !isTrustedProxy(directIP, trustedNetworks) {
		return directIP
	}

	// X-Forwarded-For may hold a chain; the first entry is the original client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); net.ParseIP(xri) != nil {
		return xri
	}
	return directIP
}

// isTrustedProxy checks if an IP address is in the list of trusted proxy networks
func isTrustedProxy(ip string, trustedNetworks []string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}

	for _, network := range trustedNetworks {
		if strings.Contains(network, "/") {
			_, ipNet, err := net.ParseCIDR(network)
			if err == nil && ipNet.Contains(parsedIP) {
				return true
			}
		} else if network == ip {
			return true
		}
	}
	return false
}
