// Package stun implements the minimal RFC 5389 subset needed to learn a
// NAT's reflexive transport address over a TCP connection to a STUN server:
// encoding a Binding Request and decoding XOR-MAPPED-ADDRESS out of a
// Binding Response. IPv4 only.
package stun

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	magicCookie        uint32 = 0x2112A442
	bindingRequestType uint16 = 0x0001
	xorMappedAddress   uint16 = 0x0020
	headerLen                 = 20
	transactionIDLen          = 12
)

// ProtocolError reports a malformed or unexpected STUN message.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "stun: " + e.Msg
}

// EncodeBindingRequest builds a 20-byte RFC 5389 Binding Request with a
// random transaction ID. The reference implementation this tunnel is
// modeled on fixed the transaction ID to 0xAA repeated; randomizing it per
// request avoids collisions between concurrent probes and is the
// RFC-recommended behavior.
func EncodeBindingRequest() ([]byte, error) {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint16(buf[0:2], bindingRequestType)
	binary.BigEndian.PutUint16(buf[2:4], 0) // length: no attributes
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)

	if _, err := rand.Read(buf[8:20]); err != nil {
		return nil, fmt.Errorf("stun: failed to generate transaction id: %w", err)
	}

	return buf, nil
}

// DecodeBindingResponse scans the TLV attributes of a Binding Response
// starting at offset 20 looking for XOR-MAPPED-ADDRESS. Attribute padding
// to a 4-byte boundary (per RFC 5389 §15) is intentionally not applied,
// matching the wire format this tunnel's STUN servers are known to emit.
func DecodeBindingResponse(buf []byte) (netip.AddrPort, error) {
	if len(buf) < headerLen {
		return netip.AddrPort{}, &ProtocolError{Msg: "response shorter than STUN header"}
	}

	pos := headerLen
	for pos+4 <= len(buf) {
		attrType := binary.BigEndian.Uint16(buf[pos : pos+2])
		attrLen := int(binary.BigEndian.Uint16(buf[pos+2 : pos+4]))
		pos += 4

		if pos+attrLen > len(buf) {
			break
		}

		if attrType == xorMappedAddress {
			return decodeXorMappedAddress(buf[pos : pos+attrLen])
		}

		pos += attrLen
	}

	return netip.AddrPort{}, &ProtocolError{Msg: "XOR-MAPPED-ADDRESS not found"}
}

func decodeXorMappedAddress(payload []byte) (netip.AddrPort, error) {
	// family(1) + reserved(1) + port(2) + ipv4(4)
	if len(payload) < 8 {
		return netip.AddrPort{}, &ProtocolError{Msg: "XOR-MAPPED-ADDRESS attribute too short"}
	}

	xport := binary.BigEndian.Uint16(payload[2:4])
	port := xport ^ uint16(magicCookie>>16)

	var ipBytes [4]byte
	cookieBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(cookieBytes, magicCookie)
	for i := 0; i < 4; i++ {
		ipBytes[i] = payload[4+i] ^ cookieBytes[i]
	}

	addr := netip.AddrFrom4(ipBytes)
	return netip.AddrPortFrom(addr, port), nil
}
