package blesm

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// AddrType is the LE address type as carried in SMP and HCI.
type AddrType uint8

const (
	AddrTypePublic AddrType = 0x00
	AddrTypeRandom AddrType = 0x01
)

func (t AddrType) String() string {
	if t == AddrTypeRandom {
		return "random"
	}
	return "public"
}

// Addr is a device address. Bytes are kept in display order, most
// significant octet first, i.e. the way the address is printed.
type Addr struct {
	Type  AddrType
	Bytes [6]byte
}

// ParseAddr parses "aa:bb:cc:dd:ee:ff" (separators optional).
func ParseAddr(s string, t AddrType) (Addr, error) {
	hexStr := strings.Replace(strings.ToLower(s), ":", "", -1)
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return Addr{}, errors.Wrapf(ErrInvalidParameter, "address %q: %v", s, err)
	}
	if len(b) != 6 {
		return Addr{}, errors.Wrapf(ErrInvalidParameter, "address %q: invalid length %d", s, len(b))
	}

	a := Addr{Type: t}
	copy(a.Bytes[:], b)
	return a, nil
}

// MustParseAddr is ParseAddr that panics; for tests and constants.
func MustParseAddr(s string, t AddrType) Addr {
	a, err := ParseAddr(s, t)
	if err != nil {
		panic(err)
	}
	return a
}

// AddrFromWire builds an address from 6 little-endian octets as they appear
// in SMP PDUs.
func AddrFromWire(b []byte, t AddrType) Addr {
	a := Addr{Type: t}
	for i := 0; i < 6 && i < len(b); i++ {
		a.Bytes[5-i] = b[i]
	}
	return a
}

// Wire returns the address octets least significant first.
func (a Addr) Wire() [6]byte {
	var out [6]byte
	for i := range a.Bytes {
		out[i] = a.Bytes[5-i]
	}
	return out
}

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		a.Bytes[0], a.Bytes[1], a.Bytes[2], a.Bytes[3], a.Bytes[4], a.Bytes[5])
}

func (a Addr) IsZero() bool {
	return a.Bytes == [6]byte{}
}

// IsResolvablePrivate reports whether a is a random address whose two most
// significant bits are 0b01 [Vol 6, Part B, 1.3.2.2].
func (a Addr) IsResolvablePrivate() bool {
	return a.Type == AddrTypeRandom && a.Bytes[0]&0xc0 == 0x40
}

// IsStaticRandom reports whether a is a static random address (0b11).
func (a Addr) IsStaticRandom() bool {
	return a.Type == AddrTypeRandom && a.Bytes[0]&0xc0 == 0xc0
}
