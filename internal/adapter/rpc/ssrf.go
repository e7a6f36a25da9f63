package rpc

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// dnsResolveTimeout bounds hostname resolution during URL validation.
const dnsResolveTimeout = 5 * time.Second

// blockedTLDs are suffixes that only resolve inside private networks.
var blockedTLDs = []string{".local", ".internal"}

// ValidateEndpointURL applies SSRF hardening to an admin-submitted ERP URL.
// It rejects non-HTTP schemes, private-range IPv4 (RFC 1918), IPv6 ULA,
// loopback (including ::1), link-local addresses and .local/.internal names.
// Hostnames are resolved (with a bounded timeout) and every resolved address
// must pass the same checks. Rejections carry domain.ErrInvalidArgument.
func ValidateEndpointURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("op=rpc.validate_url: %w: %v", domain.ErrInvalidArgument, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("op=rpc.validate_url: %w: scheme %q not allowed", domain.ErrInvalidArgument, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("op=rpc.validate_url: %w: empty host", domain.ErrInvalidArgument)
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" {
		return fmt.Errorf("op=rpc.validate_url: %w: loopback host rejected", domain.ErrInvalidArgument)
	}
	for _, tld := range blockedTLDs {
		if strings.HasSuffix(lower, tld) {
			return fmt.Errorf("op=rpc.validate_url: %w: %s hostname rejected", domain.ErrInvalidArgument, tld)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	rctx, cancel := context.WithTimeout(ctx, dnsResolveTimeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupNetIP(rctx, "ip", lower)
	if err != nil {
		return fmt.Errorf("op=rpc.validate_url: %w: resolve %s: %v", domain.ErrInvalidArgument, lower, err)
	}
	for _, ip := range ips {
		if err := checkAddr(ip); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("op=rpc.validate_url: %w: loopback address %s rejected", domain.ErrInvalidArgument, addr)
	case addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast():
		return fmt.Errorf("op=rpc.validate_url: %w: link-local address %s rejected", domain.ErrInvalidArgument, addr)
	case addr.IsPrivate():
		// Covers RFC 1918 ranges and IPv6 ULA (fc00::/7).
		return fmt.Errorf("op=rpc.validate_url: %w: private address %s rejected", domain.ErrInvalidArgument, addr)
	case !addr.IsValid() || addr.IsUnspecified():
		return fmt.Errorf("op=rpc.validate_url: %w: address %s rejected", domain.ErrInvalidArgument, addr)
	}
	return nil
}
