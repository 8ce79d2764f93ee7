// Package protocol defines the VLESS connection-request header, the response
// header, the early-data preamble and the length-prefixed UDP sub-framing.
package protocol

import (
	"net"
	"strconv"
)

// Command constants.
const (
	CommandTCP uint8 = 0x01 // Stream relay
	CommandUDP uint8 = 0x02 // Datagram relay, framed inside the stream
)

// Address type constants.
const (
	AddrTypeIPv4   uint8 = 0x01 // 4 raw bytes
	AddrTypeDomain uint8 = 0x02 // 1 length byte + UTF-8 name
	AddrTypeIPv6   uint8 = 0x03 // 16 raw bytes, eight big-endian groups
)

// MinHeaderSize is the shortest buffer ParseHeader will look at:
// Version(1) + UUID(16) + OptLen(1) + Cmd(1) + Port(2) + AddrType(1) + 2.
const MinHeaderSize = 24

// IDSize is the length of the requester identifier.
const IDSize = 16

// ConnectionRequest is the decoded header of the first inbound chunk.
// It is immutable once returned by ParseHeader.
type ConnectionRequest struct {
	Version       uint8
	ID            [IDSize]byte
	Command       uint8  // CommandTCP or CommandUDP
	Port          uint16 // Destination port
	AddrType      uint8  // AddrTypeIPv4, AddrTypeDomain or AddrTypeIPv6
	Address       string // Dotted IPv4, domain name, or verbose IPv6
	PayloadOffset int    // Index of the first application byte in the parsed buffer
}

// IsUDP reports whether the request asks for a datagram relay.
func (r *ConnectionRequest) IsUDP() bool {
	return r.Command == CommandUDP
}

// Destination returns the "address:port" key used for dialing and for
// UDP sub-session lookup.
func (r *ConnectionRequest) Destination() string {
	return net.JoinHostPort(r.Address, strconv.Itoa(int(r.Port)))
}

// ResponseHeader returns the 2-byte reply prefix: the echoed version byte
// followed by a zero addon length.
func (r *ConnectionRequest) ResponseHeader() []byte {
	return []byte{r.Version, 0x00}
}
