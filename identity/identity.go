// Package identity implements the CRC32C checksum and the BEP-42
// node-identity derivation that binds a 160-bit node id to the IPv4
// address it claims to originate from.
package identity

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/ncruces/dhtnode/wire"
)

// crc32cTable is the Castagnoli polynomial table, the CRC32C variant
// required on the wire.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the Castagnoli CRC32 of data: reflected input/output,
// initial value and final XOR of 0xFFFFFFFF. crc32c(nil) == 0.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Prefix computes the BEP-42 identity prefix for ip, salted with r
// (conventionally the candidate id's last byte): the top 21 bits come
// from the CRC32C digest and the low 3 bits of seed (0 for all current
// uses) land in bits 8-10, just below them.
func Prefix(ip [4]byte, r byte, seed byte) uint32 {
	ipAsInt := binary.BigEndian.Uint32(ip[:])
	masked := (ipAsInt & 0x030F3FFF) | (uint32(r&0x7) << 29)

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], masked)
	value := CRC32C(buf[:])

	return (value & 0xFFFFF800) | ((uint32(seed) << 8) & 0x00000700)
}

// Valid reports whether id's top 21 bits match the BEP-42 prefix derived
// from ip and id's own last byte.
func Valid(id [20]byte, ip [4]byte) bool {
	prefix := Prefix(ip, id[19], 0)
	got := binary.BigEndian.Uint32(id[0:4])
	return (prefix^got)&0xFFFFF800 == 0
}

// ValidEndpoint is a convenience wrapper taking a wire.Endpoint.
func ValidEndpoint(id [20]byte, ep wire.Endpoint) bool {
	ip, err := wire.EncodeIPv4(ep.Addr)
	if err != nil {
		return false
	}
	return Valid(id, ip)
}

// ApplyPrefix overwrites id's first three bytes with the first three
// bytes of the BEP-42 prefix for ip (21 CRC-derived bits followed by 3
// zero seed bits), leaving the remaining 17 bytes untouched.
// Used to bind a provisional random id to a newly learned external
// address.
func ApplyPrefix(id *[20]byte, ip [4]byte) {
	prefix := Prefix(ip, id[19], 0)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], prefix)
	id[0] = buf[0]
	id[1] = buf[1]
	id[2] = buf[2]
}
