package protocol

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Header parse failures. All of them are session-fatal.
var (
	ErrMalformedHeader        = errors.New("malformed header")
	ErrUnauthorizedUser       = errors.New("unauthorized user")
	ErrUnsupportedCommand     = errors.New("unsupported command")
	ErrUnsupportedAddressType = errors.New("unsupported address type")
	ErrEmptyAddress           = errors.New("empty address")
)

// ParseHeader decodes the connection request at the start of buf and checks
// the identifier against id. The returned request's PayloadOffset marks where
// the caller's application data begins; buf is not retained.
func ParseHeader(buf []byte, id [IDSize]byte) (*ConnectionRequest, error) {
	if len(buf) < MinHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformedHeader, len(buf), MinHeaderSize)
	}

	req := &ConnectionRequest{Version: buf[0]}
	copy(req.ID[:], buf[1:1+IDSize])

	if subtle.ConstantTimeCompare(req.ID[:], id[:]) != 1 {
		return nil, ErrUnauthorizedUser
	}

	optLen := int(buf[17])
	cmdIdx := 18 + optLen
	if cmdIdx+4 > len(buf) {
		return nil, fmt.Errorf("%w: option block of %d bytes overruns buffer", ErrMalformedHeader, optLen)
	}

	req.Command = buf[cmdIdx]
	if req.Command != CommandTCP && req.Command != CommandUDP {
		return nil, fmt.Errorf("%w: %d (01-tcp, 02-udp)", ErrUnsupportedCommand, req.Command)
	}

	req.Port = binary.BigEndian.Uint16(buf[cmdIdx+1 : cmdIdx+3])
	req.AddrType = buf[cmdIdx+3]
	idx := cmdIdx + 4

	var addrLen int
	switch req.AddrType {
	case AddrTypeIPv4:
		addrLen = 4
	case AddrTypeDomain:
		if idx >= len(buf) {
			return nil, fmt.Errorf("%w: missing domain length", ErrMalformedHeader)
		}
		addrLen = int(buf[idx])
		idx++
	case AddrTypeIPv6:
		addrLen = 16
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAddressType, req.AddrType)
	}

	if idx+addrLen > len(buf) {
		return nil, fmt.Errorf("%w: address of %d bytes overruns buffer", ErrMalformedHeader, addrLen)
	}
	raw := buf[idx : idx+addrLen]

	switch req.AddrType {
	case AddrTypeIPv4:
		req.Address = formatIPv4(raw)
	case AddrTypeDomain:
		req.Address = strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	case AddrTypeIPv6:
		req.Address = formatIPv6(raw)
	}

	if req.Address == "" {
		return nil, fmt.Errorf("%w: type %d", ErrEmptyAddress, req.AddrType)
	}

	req.PayloadOffset = idx + addrLen
	return req, nil
}

// EncodeHeader serializes a request (without options) followed by payload.
// The relay only parses headers; this is the client-side counterpart.
func EncodeHeader(req *ConnectionRequest, payload []byte) ([]byte, error) {
	var addr []byte
	switch req.AddrType {
	case AddrTypeIPv4:
		ip, err := parseIPv4(req.Address)
		if err != nil {
			return nil, err
		}
		addr = ip
	case AddrTypeDomain:
		if len(req.Address) > 255 {
			return nil, fmt.Errorf("domain too long: %d bytes", len(req.Address))
		}
		addr = append([]byte{byte(len(req.Address))}, req.Address...)
	case AddrTypeIPv6:
		ip, err := parseIPv6(req.Address)
		if err != nil {
			return nil, err
		}
		addr = ip
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAddressType, req.AddrType)
	}

	buf := make([]byte, 0, 22+len(addr)+len(payload))
	buf = append(buf, req.Version)
	buf = append(buf, req.ID[:]...)
	buf = append(buf, 0x00, req.Command)
	buf = binary.BigEndian.AppendUint16(buf, req.Port)
	buf = append(buf, req.AddrType)
	buf = append(buf, addr...)
	buf = append(buf, payload...)
	return buf, nil
}

// formatIPv4 joins four bytes as dotted decimal.
func formatIPv4(b []byte) string {
	parts := make([]string, 4)
	for i := range parts {
		parts[i] = strconv.Itoa(int(b[i]))
	}
	return strings.Join(parts, ".")
}

// formatIPv6 renders eight big-endian groups as lowercase hex joined by
// colons. Zero runs are not compressed.
func formatIPv6(b []byte) string {
	parts := make([]string, 8)
	for i := range parts {
		parts[i] = strconv.FormatUint(uint64(binary.BigEndian.Uint16(b[i*2:])), 16)
	}
	return strings.Join(parts, ":")
}

func parseIPv4(s string) ([]byte, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid IPv4 address: %q", s)
	}
	out := make([]byte, 4)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid IPv4 address: %q", s)
		}
		out[i] = byte(n)
	}
	return out, nil
}

func parseIPv6(s string) ([]byte, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 8 {
		return nil, fmt.Errorf("invalid verbose IPv6 address: %q", s)
	}
	out := make([]byte, 0, 16)
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid verbose IPv6 address: %q", s)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(n))
	}
	return out, nil
}
