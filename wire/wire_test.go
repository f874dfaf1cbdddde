package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loop struct {
	buf bytes.Buffer
}

func (l *loop) Read(p []byte) (int, error)  { return l.buf.Read(p) }
func (l *loop) Write(p []byte) (int, error) { return l.buf.Write(p) }

// Frame round-trip property from spec §8: decode(encode(Input, b)) == (Input, b)
// for any byte sequence within the cap.
func TestRoundTrip(t *testing.T) {
	inputs := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xff}, 4096),
	}
	for _, b := range inputs {
		tr := &loop{}
		f := New(tr)
		require.NoError(t, f.Encode(TypeInput, b))
		frame, err := f.Decode()
		require.NoError(t, err)
		assert.Equal(t, TypeInput, frame.Type)
		assert.Equal(t, b, frame.Payload)
	}
}

func TestResizePayloadRoundTrip(t *testing.T) {
	payload := ResizePayload(24, 80)
	rows, cols, err := DecodeResize(payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(24), rows)
	assert.Equal(t, uint16(80), cols)
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	tr := &loop{}
	f := New(tr, WithMaxPayload(16))
	require.NoError(t, f.Encode(TypeInput, bytes.Repeat([]byte{1}, 32)))
	_, err := f.Decode()
	require.Error(t, err)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestDecodeRejectsUnknownTypeInStrictMode(t *testing.T) {
	tr := &loop{}
	f := New(tr)
	require.NoError(t, f.Encode(Type(0x7F), []byte("boom")))
	_, err := f.Decode()
	require.Error(t, err)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestHandshakeRoundTrip(t *testing.T) {
	tr := &loop{}
	require.NoError(t, SendHandshake(tr))
	require.NoError(t, ReadHandshake(tr))
}

func TestHandshakeRejectsWrongVersion(t *testing.T) {
	tr := &loop{}
	f := New(tr)
	require.NoError(t, f.Encode(0x00, []byte("V999")))
	err := ReadHandshake(tr)
	require.Error(t, err)
}
