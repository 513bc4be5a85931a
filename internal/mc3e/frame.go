package mc3e

import (
	"fmt"
	"strconv"
	"strings"
)

// Frame-level constants; all fields are hex-encoded ASCII.
const (
	requestSubheader  = "5000"
	responseSubheader = "D000"

	cmdBatchRead    = "0401"
	subcmdWordUnits = "0000"
	subcmdBitUnits  = "0001"
)

// ReadRequest is one MC 3E batch read request: a contiguous run of a single
// device, starting at HeadAddress, for Count units (words or bits depending
// on the device kind).
type ReadRequest struct {
	Network      byte
	PC           byte
	DestModuleIO uint16
	DestStation  byte
	Timer        uint16 // CPU monitoring timer, 250ms units
	Device       string
	HeadAddress  int
	Count        int
}

func (r ReadRequest) kind() Kind { return devices[r.Device].kind }

func hexN(v uint64, n int) string {
	s := strings.ToUpper(strconv.FormatUint(v, 16))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return strings.Repeat("0", n-len(s)) + s
}

func deviceCode(device string) string {
	if len(device) >= 2 {
		return strings.ToUpper(device[:2])
	}
	return strings.ToUpper(device) + "*"
}

func deviceFromCode(code string) string {
	code = strings.TrimRight(code, "*")
	return strings.ToUpper(code)
}

// EncodeReadRequest builds the ASCII frame bytes for req. A contiguous run
// is read in a single frame; the codec never silently splits or merges —
// the address grouper is responsible for producing runs that fit a single
// request.
func EncodeReadRequest(req ReadRequest) ([]byte, error) {
	info, ok := devices[req.Device]
	if !ok {
		return nil, fmt.Errorf("mc3e: unknown device %q", req.Device)
	}
	subcmd := subcmdWordUnits
	if info.kind == KindBit {
		subcmd = subcmdBitUnits
	}

	var headHex string
	if info.base == 16 {
		headHex = hexN(uint64(req.HeadAddress), 6)
	} else {
		// decimal-addressed devices are still hex-encoded on the wire per
		// the "head address... hex-encoded ASCII" framing rule; the decimal
		// display base only affects how configuration files write offsets.
		headHex = hexN(uint64(req.HeadAddress), 6)
	}

	body := req.timerAndBody(cmdBatchRead, subcmd, deviceCode(req.Device), headHex, hexN(uint64(req.Count), 4))

	reqDataLen := hexN(uint64(len(body)), 4)

	var b strings.Builder
	b.WriteString(requestSubheader)
	b.WriteString(hexN(uint64(req.Network), 2))
	b.WriteString(hexN(uint64(req.PC), 2))
	b.WriteString(hexN(uint64(req.DestModuleIO), 4))
	b.WriteString(hexN(uint64(req.DestStation), 2))
	b.WriteString(reqDataLen)
	b.WriteString(body)
	return []byte(b.String()), nil
}

func (req ReadRequest) timerAndBody(cmd, subcmd, devCode, headHex, countHex string) string {
	var b strings.Builder
	b.WriteString(hexN(uint64(req.Timer), 4))
	b.WriteString(cmd)
	b.WriteString(subcmd)
	b.WriteString(devCode)
	b.WriteString(headHex)
	b.WriteString(countHex)
	return b.String()
}

// DecodeReadRequest parses a frame previously produced by EncodeReadRequest;
// the codec's round-trip tests use it.
func DecodeReadRequest(data []byte) (ReadRequest, error) {
	s := string(data)
	if len(s) < 4+2+2+4+2+4 {
		return ReadRequest{}, fmt.Errorf("mc3e: request frame too short")
	}
	if s[0:4] != requestSubheader {
		return ReadRequest{}, fmt.Errorf("mc3e: bad request subheader %q", s[0:4])
	}
	pos := 4
	network, err := parseHexByte(s[pos : pos+2])
	if err != nil {
		return ReadRequest{}, err
	}
	pos += 2
	pc, err := parseHexByte(s[pos : pos+2])
	if err != nil {
		return ReadRequest{}, err
	}
	pos += 2
	destIO, err := parseHexU16(s[pos : pos+4])
	if err != nil {
		return ReadRequest{}, err
	}
	pos += 4
	destStation, err := parseHexByte(s[pos : pos+2])
	if err != nil {
		return ReadRequest{}, err
	}
	pos += 2
	// reqDataLen (4 hex chars) — skip, recomputed on encode.
	pos += 4

	timer, err := parseHexU16(s[pos : pos+4])
	if err != nil {
		return ReadRequest{}, err
	}
	pos += 4
	cmd := s[pos : pos+4]
	pos += 4
	subcmd := s[pos : pos+4]
	pos += 4
	if cmd != cmdBatchRead {
		return ReadRequest{}, fmt.Errorf("mc3e: unsupported command %q", cmd)
	}
	devCode := s[pos : pos+2]
	pos += 2
	device := deviceFromCode(devCode)
	if _, ok := devices[device]; !ok {
		return ReadRequest{}, fmt.Errorf("mc3e: unknown device code %q", devCode)
	}
	head, err := parseHexU32(s[pos : pos+6])
	if err != nil {
		return ReadRequest{}, err
	}
	pos += 6
	count, err := parseHexU16(s[pos : pos+4])
	if err != nil {
		return ReadRequest{}, err
	}

	if (subcmd == subcmdBitUnits) != (devices[device].kind == KindBit) {
		return ReadRequest{}, fmt.Errorf("mc3e: subcommand/device kind mismatch")
	}

	return ReadRequest{
		Network:      network,
		PC:           pc,
		DestModuleIO: destIO,
		DestStation:  destStation,
		Timer:        timer,
		Device:       device,
		HeadAddress:  int(head),
		Count:        int(count),
	}, nil
}

func parseHexByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("mc3e: bad hex byte %q: %w", s, err)
	}
	return byte(v), nil
}

func parseHexU16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("mc3e: bad hex u16 %q: %w", s, err)
	}
	return uint16(v), nil
}

func parseHexU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("mc3e: bad hex u32 %q: %w", s, err)
	}
	return uint32(v), nil
}
