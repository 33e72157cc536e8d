// Package wire implements the fixed-width big-endian packing and the
// compact endpoint/node encodings shared by the KRPC wire format.
package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// MinPort is the lowest port accepted on ingest; endpoints and nodes
// carrying a lower port are rejected.
const MinPort = 1024

// EndpointLen is the size of a compact (ip, port) encoding: 4-byte IPv4 +
// 2-byte port.
const EndpointLen = 6

// NodeLen is the size of a compact (id, ip, port) encoding: 20-byte id +
// 6-byte endpoint.
const NodeLen = 26

// Endpoint is an IPv4 address and port.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// AddrPort returns the netip.AddrPort view of e.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.Addr, e.Port)
}

// Node is a compact (id, endpoint) pair as carried in a `nodes` field.
type Node struct {
	ID       [20]byte
	Endpoint Endpoint
}

// PutUint16 writes v as 2 big-endian bytes into buf[0:2].
func PutUint16(buf []byte, v uint16) { binary.BigEndian.PutUint16(buf, v) }

// PutUint32 writes v as 4 big-endian bytes into buf[0:4].
func PutUint32(buf []byte, v uint32) { binary.BigEndian.PutUint32(buf, v) }

// Uint16 reads 2 big-endian bytes from buf[0:2].
func Uint16(buf []byte) uint16 { return binary.BigEndian.Uint16(buf) }

// Uint32 reads 4 big-endian bytes from buf[0:4].
func Uint32(buf []byte) uint32 { return binary.BigEndian.Uint32(buf) }

// EncodeIPv4 returns the 4-byte big-endian encoding of an IPv4 address.
func EncodeIPv4(addr netip.Addr) ([4]byte, error) {
	if !addr.Is4() {
		return [4]byte{}, fmt.Errorf("wire: not an IPv4 address: %s", addr)
	}
	return addr.As4(), nil
}

// EncodeEndpoint returns the 6-byte compact encoding of an endpoint.
func EncodeEndpoint(e Endpoint) ([]byte, error) {
	ip, err := EncodeIPv4(e.Addr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, EndpointLen)
	copy(buf[0:4], ip[:])
	PutUint16(buf[4:6], e.Port)
	return buf, nil
}

// DecodeEndpoint decodes a 6-byte compact endpoint.
func DecodeEndpoint(buf []byte) (Endpoint, error) {
	if len(buf) != EndpointLen {
		return Endpoint{}, fmt.Errorf("wire: endpoint must be %d bytes, got %d", EndpointLen, len(buf))
	}
	var ip [4]byte
	copy(ip[:], buf[0:4])
	return Endpoint{
		Addr: netip.AddrFrom4(ip),
		Port: Uint16(buf[4:6]),
	}, nil
}

// EncodeNode returns the 26-byte compact encoding of a node.
func EncodeNode(n Node) ([]byte, error) {
	ep, err := EncodeEndpoint(n.Endpoint)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, NodeLen)
	copy(buf[0:20], n.ID[:])
	copy(buf[20:26], ep)
	return buf, nil
}

// EncodeNodes concatenates the compact encoding of each node without
// delimiter, skipping any node with an invalid (non-IPv4) address.
func EncodeNodes(nodes []Node) []byte {
	buf := make([]byte, 0, len(nodes)*NodeLen)
	for _, n := range nodes {
		enc, err := EncodeNode(n)
		if err != nil {
			continue
		}
		buf = append(buf, enc...)
	}
	return buf
}

// DecodeNodes parses a `nodes` field: each 26 bytes is one compact node.
// Malformed trailing bytes (not a multiple of NodeLen) are silently
// ignored, and any node whose port is below MinPort is dropped, matching
// the reference decoder's tolerance of malformed or hostile input.
func DecodeNodes(buf []byte) []Node {
	nodes := make([]Node, 0, len(buf)/NodeLen)
	for len(buf) >= NodeLen {
		var id [20]byte
		copy(id[:], buf[0:20])
		ep, err := DecodeEndpoint(buf[20:26])
		if err == nil && ep.Port >= MinPort {
			nodes = append(nodes, Node{ID: id, Endpoint: ep})
		}
		buf = buf[NodeLen:]
	}
	return nodes
}
