package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// sharedAddressSpace is the carrier-grade NAT range (RFC 6598), which
// net.IP.IsPrivate does not cover.
var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// ValidateEndpointURL checks that a webhook URL is safe to POST to from the
// server. Private, loopback, link-local and unspecified addresses are
// refused, both as literals and after DNS resolution. requireTLS rejects
// plain http.
func ValidateEndpointURL(ctx context.Context, rawURL string, requireTLS bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}

	switch u.Scheme {
	case "https":
	case "http":
		if requireTLS {
			return fmt.Errorf("URL scheme must be https")
		}
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}

	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not carry credentials")
	}

	host := u.Hostname()
	for _, b := range []string{"localhost", "metadata.google.internal", "metadata.google"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, a := range addrs {
		if err := checkIP(a.IP); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate(), sharedAddressSpace.Contains(ip):
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
