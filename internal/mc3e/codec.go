package mc3e

import (
	"fmt"
	"strings"
)

// ReadResponse is the decoded result of a batch read: either Words or Bits
// is populated depending on the request's device kind, in device-offset
// order starting at the request's HeadAddress.
type ReadResponse struct {
	Words []uint16
	Bits  []byte // 0 or 1 per bit
}

// EncodeWordResponse builds a successful ASCII response frame carrying
// words, each encoded as 4 hex chars.
func EncodeWordResponse(network, pc byte, destIO uint16, destStation byte, words []uint16) []byte {
	var payload strings.Builder
	for _, w := range words {
		payload.WriteString(hexN(uint64(w), 4))
	}
	return encodeSuccessFrame(network, pc, destIO, destStation, payload.String())
}

// EncodeBitResponse builds a successful ASCII response frame carrying bits,
// each encoded as a single '0'/'1' char.
func EncodeBitResponse(network, pc byte, destIO uint16, destStation byte, bits []byte) []byte {
	var payload strings.Builder
	for _, b := range bits {
		if b != 0 {
			payload.WriteByte('1')
		} else {
			payload.WriteByte('0')
		}
	}
	return encodeSuccessFrame(network, pc, destIO, destStation, payload.String())
}

func encodeSuccessFrame(network, pc byte, destIO uint16, destStation byte, payload string) []byte {
	return encodeFrame(network, pc, destIO, destStation, "0000", payload)
}

// EncodeErrorResponse builds a response frame carrying a non-zero return
// code and no payload.
func EncodeErrorResponse(network, pc byte, destIO uint16, destStation byte, code string) []byte {
	return encodeFrame(network, pc, destIO, destStation, code, "")
}

func encodeFrame(network, pc byte, destIO uint16, destStation byte, endCode, payload string) []byte {
	body := endCode + payload
	reqDataLen := hexN(uint64(len(body)), 4)

	var b strings.Builder
	b.WriteString(responseSubheader)
	b.WriteString(hexN(uint64(network), 2))
	b.WriteString(hexN(uint64(pc), 2))
	b.WriteString(hexN(uint64(destIO), 4))
	b.WriteString(hexN(uint64(destStation), 2))
	b.WriteString(reqDataLen)
	b.WriteString(body)
	return []byte(b.String())
}

// DecodeReadResponse parses a response frame. A non-zero return code
// yields a *ProtocolError and no data. On success, the caller extracts
// words or bits with ExtractWords/ExtractBits according to the kind it
// requested.
func DecodeReadResponse(data []byte) (payload string, err error) {
	s := string(data)
	if len(s) < 4+2+2+4+2+4+4 {
		return "", fmt.Errorf("mc3e: response frame too short")
	}
	if s[0:4] != responseSubheader {
		return "", fmt.Errorf("mc3e: bad response subheader %q", s[0:4])
	}
	pos := 4 + 2 + 2 + 4 + 2
	// reqDataLen (4 hex chars) — not needed for decode, body length is
	// simply what remains.
	pos += 4
	if len(s) < pos+4 {
		return "", fmt.Errorf("mc3e: response frame missing end code")
	}
	endCode := s[pos : pos+4]
	pos += 4
	rest := s[pos:]

	if endCode != "0000" {
		return "", NewProtocolError(endCode)
	}
	return rest, nil
}

// ExtractWords splits an ASCII payload into count 4-char hex words.
func ExtractWords(payload string, count int) ([]uint16, error) {
	if len(payload) != count*4 {
		return nil, fmt.Errorf("mc3e: expected %d word chars, got %d", count*4, len(payload))
	}
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		v, err := parseHexU16(payload[i*4 : i*4+4])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ExtractBits splits an ASCII payload into count single-char bits.
func ExtractBits(payload string, count int) ([]byte, error) {
	if len(payload) != count {
		return nil, fmt.Errorf("mc3e: expected %d bit chars, got %d", count, len(payload))
	}
	out := make([]byte, count)
	for i := 0; i < count; i++ {
		switch payload[i] {
		case '0':
			out[i] = 0
		case '1':
			out[i] = 1
		default:
			return nil, fmt.Errorf("mc3e: invalid bit char %q", payload[i])
		}
	}
	return out, nil
}
