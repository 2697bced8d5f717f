package scheduler

import (
	"fmt"
	"net/netip"
)

// EnumerateNetwork expands a network into its individual addresses.
// Accepts a bare address (yields itself) or CIDR notation; all addresses
// of the prefix are emitted including network and broadcast.
func EnumerateNetwork(network string) ([]string, error) {
	if addr, err := netip.ParseAddr(network); err == nil {
		return []string{addr.Unmap().String()}, nil
	}

	prefix, err := netip.ParsePrefix(network)
	if err != nil {
		return nil, fmt.Errorf("invalid network %q: %w", network, err)
	}
	prefix = prefix.Masked()

	var addresses []string
	for addr := prefix.Addr(); prefix.Contains(addr); addr = addr.Next() {
		addresses = append(addresses, addr.String())
	}
	return addresses, nil
}

// RangeToCIDRs covers an inclusive address range with a minimal list of
// CIDR networks.
func RangeToCIDRs(start, end string) ([]string, error) {
	first, err := netip.ParseAddr(start)
	if err != nil {
		return nil, fmt.Errorf("invalid range start %q: %w", start, err)
	}
	last, err := netip.ParseAddr(end)
	if err != nil {
		return nil, fmt.Errorf("invalid range end %q: %w", end, err)
	}
	first, last = first.Unmap(), last.Unmap()
	if first.Is4() != last.Is4() {
		return nil, fmt.Errorf("range endpoints %q and %q differ in address family", start, end)
	}
	if first.Compare(last) > 0 {
		return nil, fmt.Errorf("range start %q is after end %q", start, end)
	}

	var cidrs []string
	cur := first
	for {
		// widen the prefix while cur stays its network address and the
		// prefix does not overshoot the range end
		bits := cur.BitLen()
		for bits > 0 {
			cand, err := cur.Prefix(bits - 1)
			if err != nil || cand.Masked().Addr() != cur || prefixLast(cand).Compare(last) > 0 {
				break
			}
			bits--
		}

		prefix := netip.PrefixFrom(cur, bits)
		cidrs = append(cidrs, prefix.String())

		tail := prefixLast(prefix)
		if tail.Compare(last) >= 0 {
			break
		}
		cur = tail.Next()
	}
	return cidrs, nil
}

// prefixLast returns the highest address within a prefix.
func prefixLast(prefix netip.Prefix) netip.Addr {
	raw := prefix.Addr().As16()
	hostBits := 128 - prefix.Bits()
	if prefix.Addr().Is4() {
		hostBits = 32 - prefix.Bits()
	}
	for i := len(raw) - 1; hostBits > 0 && i >= 0; i-- {
		if hostBits >= 8 {
			raw[i] = 0xff
			hostBits -= 8
		} else {
			raw[i] |= byte(1<<hostBits) - 1
			hostBits = 0
		}
	}
	addr := netip.AddrFrom16(raw)
	if prefix.Addr().Is4() {
		addr = addr.Unmap()
	}
	return addr
}
