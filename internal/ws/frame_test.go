package ws

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":        {},
		"short":        []byte("hello"),
		"boundary125":  bytes.Repeat([]byte{0xAB}, 125),
		"boundary126":  bytes.Repeat([]byte{0xCD}, 126),
		"boundary64k":  bytes.Repeat([]byte{0x11}, 65535),
		"extended64k+": bytes.Repeat([]byte{0x22}, 65536),
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			for _, masked := range []bool{false, true} {
				original := Frame{Fin: true, Opcode: OpText, Payload: payload}
				encoded := original.Encode(masked)

				var decoded Frame
				consumed, err := decoded.Decode(encoded, masked)
				require.NoError(t, err)
				assert.Equal(t, len(encoded), consumed)
				assert.True(t, decoded.Fin)
				assert.Equal(t, OpText, decoded.Opcode)
				assert.Equal(t, payload, decoded.Payload)
			}
		})
	}
}

func TestFrameDecodePartialBuffer(t *testing.T) {
	frame := Frame{Fin: true, Opcode: OpBinary, Payload: bytes.Repeat([]byte{0x42}, 300)}
	encoded := frame.Encode(true)

	// Every strict prefix must report "need more" without consuming bytes.
	for cut := 0; cut < len(encoded); cut++ {
		var decoded Frame
		consumed, err := decoded.Decode(encoded[:cut], true)
		if err != nil {
			t.Fatalf("prefix of %d bytes: unexpected error %v", cut, err)
		}
		if consumed != 0 {
			t.Fatalf("prefix of %d bytes: consumed %d, want 0", cut, consumed)
		}
	}

	var decoded Frame
	consumed, err := decoded.Decode(encoded, true)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), consumed)
}

func TestFrameDecodeTrailingBytesLeftAlone(t *testing.T) {
	first := Frame{Fin: true, Opcode: OpText, Payload: []byte("one")}
	second := Frame{Fin: true, Opcode: OpText, Payload: []byte("two")}
	stream := append(first.Encode(false), second.Encode(false)...)

	var decoded Frame
	consumed, err := decoded.Decode(stream, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), decoded.Payload)

	consumed2, err := decoded.Decode(stream[consumed:], false)
	require.NoError(t, err)
	assert.Equal(t, len(stream)-consumed, consumed2)
	assert.Equal(t, []byte("two"), decoded.Payload)
}

func TestFrameDecodeMaskingDirection(t *testing.T) {
	frame := Frame{Fin: true, Opcode: OpText, Payload: []byte("x")}

	t.Run("unmasked client frame rejected", func(t *testing.T) {
		encoded := frame.Encode(false)
		var decoded Frame
		_, err := decoded.Decode(encoded, true)
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("masked server frame rejected", func(t *testing.T) {
		encoded := frame.Encode(true)
		var decoded Frame
		_, err := decoded.Decode(encoded, false)
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
	})
}

func TestFrameDecodeControlFrameRules(t *testing.T) {
	t.Run("fragmented control frame", func(t *testing.T) {
		frame := Frame{Fin: false, Opcode: OpPing}
		var decoded Frame
		_, err := decoded.Decode(frame.Encode(false), false)
		assert.Error(t, err)
	})

	t.Run("oversized control payload", func(t *testing.T) {
		frame := Frame{Fin: true, Opcode: OpClose, Payload: bytes.Repeat([]byte{0}, 126)}
		var decoded Frame
		_, err := decoded.Decode(frame.Encode(false), false)
		assert.Error(t, err)
	})

	t.Run("ping at payload limit is fine", func(t *testing.T) {
		frame := Frame{Fin: true, Opcode: OpPing, Payload: bytes.Repeat([]byte{0}, 125)}
		var decoded Frame
		consumed, err := decoded.Decode(frame.Encode(false), false)
		require.NoError(t, err)
		assert.NotZero(t, consumed)
	})
}

func TestFrameDecodeReservedValues(t *testing.T) {
	t.Run("reserved opcode", func(t *testing.T) {
		raw := []byte{0x83, 0x00} // FIN + opcode 0x3
		var decoded Frame
		_, err := decoded.Decode(raw, false)
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("reserved header bits", func(t *testing.T) {
		raw := []byte{0xC1, 0x00} // FIN + RSV1 + text
		var decoded Frame
		_, err := decoded.Decode(raw, false)
		assert.Error(t, err)
	})
}

func TestClosePayloadRoundTrip(t *testing.T) {
	payload := closePayload(1001, "Server shutdown")
	code, reason := parseClosePayload(payload)
	assert.Equal(t, 1001, code)
	assert.Equal(t, "Server shutdown", reason)

	code, reason = parseClosePayload(nil)
	assert.Equal(t, 1005, code)
	assert.Empty(t, reason)
}
