// Package oob encodes the LE out of band data block exchanged over NFC or
// another channel before pairing. The block is a list of AD structures
// [Core Specification Supplement, Part A, 1.16 - 1.19].
package oob

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rigado/blesm"
)

var EmptyOrNilPdu = errors.New("nil/empty oob block")

// https://www.bluetooth.com/specifications/assigned-numbers/generic-access-profile
var types = struct {
	flags    byte
	namecomp byte
	tk       byte
	smflags  byte
	addr     byte
	role     byte
	confirm  byte
	random   byte
}{
	flags:    0x01,
	namecomp: 0x09,
	tk:       0x10,
	smflags:  0x11,
	addr:     0x1b,
	role:     0x1c,
	confirm:  0x22,
	random:   0x23,
}

// Role is the LE Role AD value.
type Role uint8

const (
	RolePeripheralOnly      Role = 0x00
	RoleCentralOnly         Role = 0x01
	RolePeripheralPreferred Role = 0x02
	RoleCentralPreferred    Role = 0x03
)

// Data is the content of an OOB block. Nil keys are absent.
type Data struct {
	Address blesm.Addr
	Role    Role
	Name    string

	// legacy pairing
	TK *blesm.R192

	// secure connections
	Confirm *blesm.C256
	Random  *blesm.R256
}

type pduRecord struct {
	size    int
	minSz   int
	require bool
}

var pduDecodeMap = map[byte]pduRecord{
	types.flags:    {0, 1, false},
	types.namecomp: {0, 1, false},
	types.tk:       {16, 16, false},
	types.smflags:  {1, 1, false},
	types.addr:     {7, 7, true},
	types.role:     {1, 1, false},
	types.confirm:  {16, 16, false},
	types.random:   {16, 16, false},
}

func appendRecord(b []byte, typ byte, data []byte) []byte {
	b = append(b, byte(len(data)+1), typ)
	return append(b, data...)
}

// Marshal encodes d. The address always comes first.
func Marshal(d Data) []byte {
	var b []byte

	w := d.Address.Wire()
	b = appendRecord(b, types.addr, append(w[:], byte(d.Address.Type)&0x01))
	b = appendRecord(b, types.role, []byte{byte(d.Role)})

	if d.TK != nil {
		b = appendRecord(b, types.tk, d.TK[:])
	}
	if d.Confirm != nil {
		b = appendRecord(b, types.confirm, d.Confirm[:])
	}
	if d.Random != nil {
		b = appendRecord(b, types.random, d.Random[:])
	}
	if d.Name != "" {
		b = appendRecord(b, types.namecomp, []byte(d.Name))
	}
	return b
}

// Parse decodes an OOB block. Unknown AD types are skipped.
func Parse(pdu []byte) (Data, error) {
	var d Data
	if len(pdu) == 0 {
		return d, EmptyOrNilPdu
	}

	seen := make(map[byte]bool)
	for i := 0; (i + 1) < len(pdu); {
		//length @ offset 0
		//type @ offset 1
		//data @ 2 - length
		length := int(pdu[i])
		typ := pdu[i+1]

		//length includes the type byte
		if length < 1 {
			return d, fmt.Errorf("invalid record length %v, idx %v", length, i)
		}

		//do we have all the bytes for the payload?
		if (i + length) >= len(pdu) {
			return d, fmt.Errorf("buffer overflow: want %v, have %v, idx %v", i+length, len(pdu), i)
		}

		start := i + 2
		end := start + length - 1
		bytes := pdu[start:end]

		if dec, ok := pduDecodeMap[typ]; ok {
			if dec.minSz > len(bytes) {
				return d, fmt.Errorf("oob type %v: min length %v, have %v, idx %v", typ, dec.minSz, len(bytes), i)
			}
			if dec.size > 0 && dec.size != len(bytes) {
				return d, fmt.Errorf("oob type %v: length %v, have %v, idx %v", typ, dec.size, len(bytes), i)
			}
			seen[typ] = true

			switch typ {
			case types.addr:
				d.Address = blesm.AddrFromWire(bytes[:6], blesm.AddrType(bytes[6]&0x01))
			case types.role:
				if bytes[0] > byte(RoleCentralPreferred) {
					return d, fmt.Errorf("invalid le role %v, idx %v", bytes[0], i)
				}
				d.Role = Role(bytes[0])
			case types.tk:
				var tk blesm.R192
				copy(tk[:], bytes)
				d.TK = &tk
			case types.confirm:
				var c blesm.C256
				copy(c[:], bytes)
				d.Confirm = &c
			case types.random:
				var r blesm.R256
				copy(r[:], bytes)
				d.Random = &r
			case types.namecomp:
				d.Name = string(bytes)
			}
		}

		i += length + 1
	}

	for typ, dec := range pduDecodeMap {
		if dec.require && !seen[typ] {
			return d, fmt.Errorf("oob type %v missing", typ)
		}
	}

	// a confirm value is only meaningful with its random value
	if (d.Confirm == nil) != (d.Random == nil) {
		return d, fmt.Errorf("incomplete secure connections oob data")
	}

	return d, nil
}
