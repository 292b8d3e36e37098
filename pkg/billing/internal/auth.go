package internal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// HMACSHA256 returns the raw HMAC-SHA256 of the given parts under secret.
func HMACSHA256(secret []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, secret)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// EqualBase64 compares a base64-encoded signature with expected in constant time.
func EqualBase64(signature string, expected []byte) bool {
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(got, expected)
}

// ClientIP extracts the client IP address from the request. X-Forwarded-For
// is only consulted when trustForwardedFor is set.
func ClientIP(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IPAllowlist matches addresses against a set of networks.
type IPAllowlist struct {
	nets []*net.IPNet
}

// NewIPAllowlist parses CIDRs or bare addresses.
func NewIPAllowlist(entries []string) (*IPAllowlist, error) {
	al := &IPAllowlist{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP %q", e)
			}
			if ip.To4() != nil {
				e += "/32"
			} else {
				e += "/128"
			}
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", e, err)
		}
		al.nets = append(al.nets, n)
	}
	return al, nil
}

// Empty reports whether the allowlist matches nothing.
func (al *IPAllowlist) Empty() bool {
	return al == nil || len(al.nets) == 0
}

// Contains reports whether ip falls into any allowed network.
func (al *IPAllowlist) Contains(ip string) bool {
	if al == nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range al.nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
