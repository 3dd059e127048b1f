package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVirtualChannelEncoding(t *testing.T) {
	vc := VirtualChannel(7)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 7}, vc.Encode())

	got, rest, err := DecodeChannel(vc.EncodeWithPayload([]byte("cipher")))
	require.NoError(t, err)
	require.Equal(t, vc, got)
	require.Equal(t, "cipher", string(rest))

	_, _, err = DecodeChannel([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortBody)
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{in: "93.184.216.34:80", want: Target{Host: "93.184.216.34", Port: 80}},
		{in: "example.com:443", want: Target{Host: "example.com", Port: 443}},
		{in: "[2001:db8::1]:8080", want: Target{Host: "2001:db8::1", Port: 8080}},
		{in: "example.com", wantErr: true},
		{in: "example.com:0", wantErr: true},
		{in: "example.com:http", wantErr: true},
		{in: ":80", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTarget([]byte(tt.in))
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
		require.Equal(t, tt.in, got.String())
	}
}

func TestKindName(t *testing.T) {
	require.Equal(t, "CONNECT", KindName(KindConnect))
	require.Equal(t, "WRITE", KindName(KindWrite))
	require.Equal(t, "kind 42", KindName(42))
}
