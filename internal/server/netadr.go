package server

import "net"

// Address helpers mirror the comparison semantics the protocol needs:
// "same peer" compares address and port, "same host" ignores the port, and
// ban ranges match on a prefix length.

func sameAddress(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}

func sameHost(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.IP.Equal(b.IP)
}

func isLocalAddress(a *net.UDPAddr) bool {
	return a != nil && a.IP.IsLoopback()
}

// addrMatchesRange reports whether addr falls inside network/maskBits.
// Address families must agree; a v4 range never matches a v6 peer.
func addrMatchesRange(addr *net.UDPAddr, network net.IP, maskBits int) bool {
	if addr == nil {
		return false
	}
	ip := addr.IP
	if ip4, net4 := ip.To4(), network.To4(); ip4 != nil && net4 != nil {
		mask := net.CIDRMask(maskBits, 32)
		return ip4.Mask(mask).Equal(net4.Mask(mask))
	}
	if ip.To4() != nil || network.To4() != nil {
		return false
	}
	mask := net.CIDRMask(maskBits, 128)
	return ip.Mask(mask).Equal(network.Mask(mask))
}
