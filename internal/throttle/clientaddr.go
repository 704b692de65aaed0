package throttle

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// LoopbackPlaceholder stands in for a client whose address cannot be derived.
const LoopbackPlaceholder = "127.0.0.1"

// AddressResolver derives the client address used as the throttle key.
//
// With no trusted proxies configured the first forwarded hop is taken at face
// value, which any client can spoof. With trusted proxies configured the
// forwarded headers are honoured only when the peer is trusted, and the chain
// is walked from the right past trusted hops.
type AddressResolver struct {
	trusted []netip.Prefix
}

func NewAddressResolver(trusted []netip.Prefix) *AddressResolver {
	return &AddressResolver{trusted: trusted}
}

// ClientAddress resolves r with no trusted proxies.
func ClientAddress(r *http.Request) string {
	return (&AddressResolver{}).Resolve(r)
}

// Resolve returns the client address for r. Without a usable forwarded chain
// the peer address is used; LoopbackPlaceholder only when that fails to parse.
func (a *AddressResolver) Resolve(r *http.Request) string {
	peer, peerErr := parseRemoteIP(r.RemoteAddr)
	chain := forwardedChain(r)

	if len(a.trusted) == 0 {
		if len(chain) > 0 {
			return chain[0].String()
		}
		if peerErr == nil {
			return peer.String()
		}
		return LoopbackPlaceholder
	}

	if peerErr != nil {
		return LoopbackPlaceholder
	}
	if !a.isTrusted(peer) || len(chain) == 0 {
		return peer.String()
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if !a.isTrusted(chain[i]) {
			return chain[i].String()
		}
	}
	return chain[0].String()
}

func (a *AddressResolver) isTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, network := range a.trusted {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

// forwardedChain prefers RFC 7239 Forwarded and falls back to X-Forwarded-For.
// Malformed headers yield no chain rather than a partial one.
func forwardedChain(r *http.Request) []netip.Addr {
	if header := strings.TrimSpace(r.Header.Get("Forwarded")); header != "" {
		if chain, err := parseRFC7239Forwarded(header); err == nil && len(chain) > 0 {
			return chain
		}
	}
	if header := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); header != "" {
		if chain, err := parseForwardedChain(header); err == nil {
			return chain
		}
	}
	return nil
}

func parseRFC7239Forwarded(header string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	for _, element := range strings.Split(header, ",") {
		for _, param := range strings.Split(element, ";") {
			kv := strings.SplitN(strings.TrimSpace(param), "=", 2)
			if len(kv) != 2 || !strings.EqualFold(strings.TrimSpace(kv[0]), "for") {
				continue
			}
			value := strings.Trim(strings.TrimSpace(kv[1]), `"`)
			if value == "" || strings.HasPrefix(value, "_") || strings.EqualFold(value, "unknown") {
				continue
			}
			addr, err := parseForwardedEntry(value)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

func parseForwardedChain(header string) ([]netip.Addr, error) {
	parts := strings.Split(header, ",")
	addrs := make([]netip.Addr, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		addr, err := parseForwardedEntry(trimmed)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func parseForwardedEntry(value string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(value); err == nil {
		return addr.Unmap(), nil
	}
	if addrPort, err := netip.ParseAddrPort(value); err == nil {
		return addrPort.Addr().Unmap(), nil
	}
	if strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]") {
		if addr, err := netip.ParseAddr(value[1 : len(value)-1]); err == nil {
			return addr.Unmap(), nil
		}
	}
	return netip.Addr{}, net.InvalidAddrError("invalid forwarded entry")
}

func parseRemoteIP(addr string) (netip.Addr, error) {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if host == "" {
		return netip.Addr{}, net.InvalidAddrError("empty remote address")
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, err
	}
	return ip.Unmap(), nil
}

// ParseCIDRs parses trusted proxy ranges, skipping invalid entries. Bare
// addresses are accepted as single-host prefixes.
func ParseCIDRs(cidrs []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		trimmed := strings.TrimSpace(cidr)
		if trimmed == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(trimmed); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(trimmed); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return prefixes
}
