package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTicketRoundTrip(t *testing.T) {
	tk := EncodeTicket("ws", "127.0.0.1:7447", "room-1")

	network, addr, room, err := DecodeTicket(tk)
	require.NoError(t, err)
	require.Equal(t, "ws", network)
	require.Equal(t, "127.0.0.1:7447", addr)
	require.Equal(t, "room-1", room)
}

func TestDecodeTicketRejectsGarbage(t *testing.T) {
	for _, tk := range []string{"", "not base64!!", "bm90IGpzb24", EncodeTicket("", "", "")} {
		_, _, _, err := DecodeTicket(tk)
		require.ErrorIs(t, err, ErrTicketInvalid, "ticket %q", tk)
	}
}
