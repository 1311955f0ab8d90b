package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeKnownBytes(t *testing.T) {
	b := [HeaderSize]byte{0x1, 0x2, 0x3, 0x4, 0x05, 0x06, 0x07, 0x08}

	f, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, Version, f.Version)
	require.Equal(t, [3]byte{2, 3, 4}, f.Reserved)
	require.Equal(t, uint32(0x08070605), f.Length)
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := [][HeaderSize]byte{
		{1, 0, 0, 0, 1, 0, 0, 0},
		{1, 0xff, 0x00, 0x7f, 0xff, 0xff, 0xff, 0xff},
		{1, 9, 8, 7, 0, 1, 0, 0},
		{1, 0, 0, 0, 0, 0, 0, 0x80},
	}
	for _, b := range cases {
		f, err := Decode(b)
		require.NoError(t, err)
		require.Equal(t, b, f.Encode())
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	for _, v := range []byte{0, 2, 3, 0x7f, 0xff} {
		_, err := Decode([HeaderSize]byte{v, 0, 0, 0, 4, 0, 0, 0})

		var verr *InvalidVersionError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, v, verr.Got)
		require.ErrorIs(t, err, ErrProtocol)
	}
}

func TestDecodeZeroLength(t *testing.T) {
	cases := [][HeaderSize]byte{
		{1, 0, 0, 0, 0, 0, 0, 0},
		{1, 0xaa, 0xbb, 0xcc, 0, 0, 0, 0},
	}
	for _, b := range cases {
		_, err := Decode(b)
		require.ErrorIs(t, err, ErrZeroMessageLength)
		require.ErrorIs(t, err, ErrProtocol)
	}
}

func TestNewAndPayloadLen(t *testing.T) {
	f := New(42)
	require.Equal(t, Version, f.Version)
	require.Equal(t, 42, f.PayloadLen())

	got, err := Decode(f.Encode())
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestRead(t *testing.T) {
	hdr := New(3).Encode()
	r := bytes.NewReader(append(hdr[:], 'a', 'b', 'c'))

	f, err := Read(r)
	require.NoError(t, err)
	require.Equal(t, uint32(3), f.Length)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), rest)
}

func TestReadShortInput(t *testing.T) {
	_, err := Read(bytes.NewReader(nil))
	require.True(t, errors.Is(err, io.EOF))

	_, err = Read(bytes.NewReader([]byte{1, 0, 0}))
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestCheckLength(t *testing.T) {
	require.NoError(t, CheckLength(New(10), 10))

	err := CheckLength(New(11), 10)
	var oerr *OversizedPayloadError
	require.ErrorAs(t, err, &oerr)
	require.Equal(t, uint32(11), oerr.Length)
	require.Equal(t, 10, oerr.Max)
	require.ErrorIs(t, err, ErrOversizedPayload)
}

func TestKind(t *testing.T) {
	_, verr := Decode([HeaderSize]byte{9, 0, 0, 0, 1, 0, 0, 0})
	_, zerr := Decode([HeaderSize]byte{1})

	tests := []struct {
		err  error
		want string
	}{
		{verr, "invalid_version"},
		{zerr, "zero_length"},
		{fmt.Errorf("wrapped: %w", CheckLength(New(5), 4)), "oversized"},
		{io.EOF, ""},
		{nil, ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Kind(tt.err), "err=%v", tt.err)
	}
}
