package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	strideV4 = 6  // 4 bytes IP + 2 bytes port
	strideV6 = 18 // 16 bytes IP + 2 bytes port
)

// decodePeers accepts either BEP 23 compact encoding (a byte string) or the
// original dictionary-model peer list and normalizes both to AddrPort.
func decodePeers(v any) ([]netip.AddrPort, error) {
	if v == nil {
		return nil, nil
	}

	switch t := v.(type) {
	case string:
		return decodeCompact([]byte(t))
	case []byte:
		return decodeCompact(t)
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("invalid peers type %T", v)
	}
}

func decodeCompact(data []byte) ([]netip.AddrPort, error) {
	if len(data)%strideV4 != 0 {
		return nil, fmt.Errorf("malformed compact peers (len=%d)", len(data))
	}

	n := len(data) / strideV4
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+strideV4 {
		chunk := data[off : off+strideV4]
		addr := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		port := binary.BigEndian.Uint16(chunk[4:6])
		out[i] = netip.AddrPortFrom(addr, port)
	}

	return out, nil
}

func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("peer[%d]: not a dict", i)
		}

		var addr netip.Addr
		switch ipv := m["ip"].(type) {
		case string:
			a, err := netip.ParseAddr(ipv)
			if err != nil {
				return nil, fmt.Errorf("peer[%d]: bad ip %q: %w", i, ipv, err)
			}
			addr = a
		case []byte:
			switch len(ipv) {
			case 4:
				addr = netip.AddrFrom4([4]byte{ipv[0], ipv[1], ipv[2], ipv[3]})
			case 16:
				var a16 [16]byte
				copy(a16[:], ipv)
				addr = netip.AddrFrom16(a16)
			default:
				return nil, fmt.Errorf("peer[%d]: bad ip bytes len=%d", i, len(ipv))
			}
		default:
			return nil, fmt.Errorf("peer[%d]: unsupported ip type %T", i, m["ip"])
		}

		p64, ok := m["port"].(int64)
		if !ok || p64 < 1 || p64 > 65535 {
			return nil, fmt.Errorf("peer[%d]: invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(p64)))
	}

	return peers, nil
}
