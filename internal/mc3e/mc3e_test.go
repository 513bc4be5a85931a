package mc3e

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in   string
		want Address
	}{
		{"D100", Address{"D", 100}},
		{"d100", Address{"D", 100}},
		{"W1A", Address{"W", 0x1A}},
		{"M200", Address{"M", 200}},
		{"B1F", Address{"B", 0x1F}},
		{"X10", Address{"X", 0x10}},
		{"Y10", Address{"Y", 0x10}},
		{"ZR100", Address{"ZR", 0x100}},
		{"SD10", Address{"SD", 10}},
	}
	for _, c := range cases {
		got, err := ParseAddress(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseAddressRejectsUnknownDevice(t *testing.T) {
	_, err := ParseAddress("Q100")
	assert.Error(t, err)
}

func TestAddressRoundTrip(t *testing.T) {
	for _, in := range []string{"D100", "W1A", "M200", "ZR100"} {
		addr, err := ParseAddress(in)
		require.NoError(t, err)
		again, err := ParseAddress(addr.String())
		require.NoError(t, err)
		assert.Equal(t, addr, again)
	}
}

func TestReadRequestRoundTrip(t *testing.T) {
	req := ReadRequest{
		Network:      0,
		PC:           0xFF,
		DestModuleIO: 0x03FF,
		DestStation:  0,
		Timer:        0x0010,
		Device:       "D",
		HeadAddress:  100,
		Count:        3,
	}
	encoded, err := EncodeReadRequest(req)
	require.NoError(t, err)

	decoded, err := DecodeReadRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestReadRequestRoundTripBitDevice(t *testing.T) {
	req := ReadRequest{
		PC: 0xFF, DestModuleIO: 0x03FF, Timer: 16,
		Device: "M", HeadAddress: 200, Count: 8,
	}
	encoded, err := EncodeReadRequest(req)
	require.NoError(t, err)
	decoded, err := DecodeReadRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestWordResponseRoundTrip(t *testing.T) {
	words := []uint16{42, 43, 44}
	frame := EncodeWordResponse(0, 0xFF, 0x03FF, 0, words)

	payload, err := DecodeReadResponse(frame)
	require.NoError(t, err)

	got, err := ExtractWords(payload, len(words))
	require.NoError(t, err)
	assert.Equal(t, words, got)
}

func TestBitResponseRoundTrip(t *testing.T) {
	bits := []byte{1, 0, 1, 1, 0}
	frame := EncodeBitResponse(0, 0xFF, 0x03FF, 0, bits)

	payload, err := DecodeReadResponse(frame)
	require.NoError(t, err)

	got, err := ExtractBits(payload, len(bits))
	require.NoError(t, err)
	assert.Equal(t, bits, got)
}

func TestErrorResponseSurfacesProtocolError(t *testing.T) {
	frame := EncodeErrorResponse(0, 0xFF, 0x03FF, 0, "4001")
	_, err := DecodeReadResponse(frame)
	require.Error(t, err)

	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "4001", perr.Code)
	assert.Equal(t, "read error", perr.Message())
}

func TestProtocolErrorUnknownCodeStillConstructs(t *testing.T) {
	frame := EncodeErrorResponse(0, 0xFF, 0x03FF, 0, "9999")
	_, err := DecodeReadResponse(frame)
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "", perr.Message())
}
