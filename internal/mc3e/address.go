// Package mc3e implements the MC 3E ASCII protocol codec: device-address
// parsing, ASCII frame encoding/decoding for batch word/bit reads and
// single-bit writes, and the protocol's return-code-to-message mapping.
package mc3e

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind distinguishes word-addressable devices (read/written in 16-bit
// units) from bit-addressable devices.
type Kind int

const (
	KindWord Kind = iota
	KindBit
)

// deviceInfo describes one recognised device prefix: its addressing kind
// and the numeric base its offset is written in on the wire.
type deviceInfo struct {
	kind Kind
	base int // 10 (decimal) or 16 (hex)
}

// recognised device prefixes and their wire addressing.
var devices = map[string]deviceInfo{
	"D":  {KindWord, 10},
	"W":  {KindWord, 16},
	"R":  {KindWord, 10},
	"ZR": {KindWord, 16},
	"SD": {KindWord, 10},
	"M":  {KindBit, 10},
	"B":  {KindBit, 16},
	"X":  {KindBit, 16},
	"Y":  {KindBit, 16},
	"SM": {KindBit, 10},
}

// longest-prefix-first so "ZR"/"SD"/"SM" are matched before a bare "Z"/"S"
// would be (none of those exist here, but keeps the matcher order-correct
// if the device table grows).
var addrPattern = regexp.MustCompile(`^([A-Za-z]{1,2})([0-9A-Fa-f]+)$`)

// Address is a parsed device address: a device prefix plus a numeric
// offset, already validated against the recognised device table.
type Address struct {
	Device string
	Offset int
}

func (a Address) Kind() Kind { return devices[a.Device].kind }

func (a Address) String() string {
	info := devices[a.Device]
	if info.base == 16 {
		return fmt.Sprintf("%s%X", a.Device, a.Offset)
	}
	return fmt.Sprintf("%s%d", a.Device, a.Offset)
}

// Compare orders two addresses of the same device by offset. Addresses of
// different devices are not comparable and Compare panics if called across
// devices.
func (a Address) Compare(b Address) int {
	if a.Device != b.Device {
		panic("mc3e: Compare across different devices")
	}
	switch {
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	default:
		return 0
	}
}

// ParseAddress parses a device address like "D100", "X1A", "M200".
// Unknown device prefixes are rejected here, at configuration load; the
// hot read path only ever sees already-validated Addresses.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	m := addrPattern.FindStringSubmatch(s)
	if m == nil {
		return Address{}, fmt.Errorf("mc3e: malformed address %q", s)
	}
	device := strings.ToUpper(m[1])
	info, ok := devices[device]
	if !ok {
		return Address{}, fmt.Errorf("mc3e: unrecognised device prefix %q in address %q", device, s)
	}
	offset, err := strconv.ParseInt(m[2], info.base, 64)
	if err != nil {
		return Address{}, fmt.Errorf("mc3e: invalid offset %q for device %s (base %d): %w", m[2], device, info.base, err)
	}
	return Address{Device: device, Offset: int(offset)}, nil
}

// ValidateAddress reports whether s parses as a recognised address.
func ValidateAddress(s string) error {
	_, err := ParseAddress(s)
	return err
}
