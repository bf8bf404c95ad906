package can

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTCP_Layout(t *testing.T) {
	got := EncodeTCP(NewFrame(0x320, []byte{0x01}, "HEADLIGHTS_ON"))
	want := []byte{
		0x80, 0x00, 0x03, 0x20,
		0x01,
		0x01, 0, 0, 0, 0, 0, 0, 0,
	}
	assert.Equal(t, want, got)
}

func TestEncodeSocketCAN_Layout(t *testing.T) {
	got := EncodeSocketCAN(NewFrame(0x311, []byte{0x05, 0xAA}, ""))
	require.Len(t, got, SocketCANFrameSize)
	assert.Equal(t, uint32(0x80000311), binary.NativeEndian.Uint32(got[0:4]))
	assert.Equal(t, byte(2), got[4])
	assert.Equal(t, []byte{0, 0, 0}, got[5:8])
	assert.Equal(t, []byte{0x05, 0xAA, 0, 0, 0, 0, 0, 0}, got[8:])
}

func TestNewFrame_TruncatesAndMasks(t *testing.T) {
	f := NewFrame(0xFFFFFFFF, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, "")
	assert.Equal(t, IDMask, f.ID)
	assert.Equal(t, uint8(8), f.DLC())
}

func TestReadFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(EncodeTCP(NewFrame(0x330, []byte{0x01}, "")))
	buf.Write(EncodeTCP(NewFrame(0x331, nil, "")))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x330), f.ID)
	assert.Equal(t, []byte{0x01}, f.Data)

	f, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x331), f.ID)
	assert.Empty(t, f.Data)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeTCP_Rejects(t *testing.T) {
	_, err := DecodeTCP(make([]byte, 5))
	assert.ErrorIs(t, err, ErrShortFrame)

	bad := EncodeTCP(NewFrame(0x1, nil, ""))
	bad[4] = 9
	_, err = DecodeTCP(bad)
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestFrame_MarshalJSON(t *testing.T) {
	f := NewFrame(0x32, []byte{0xde, 0xad}, "X")
	data, err := f.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"can_id":"0x032"`)
	assert.Contains(t, string(data), `"data_hex":"dead"`)
}
