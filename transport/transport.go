// Package transport defines the byte-stream-per-peer-pair boundary the room
// engine runs on, and the opaque ticket format used to locate a room.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/peerplay/peerplay/model"
)

var (
	ErrLinkClosed     = errors.New("link closed")
	ErrListenerClosed = errors.New("listener closed")
	ErrTicketInvalid  = errors.New("invalid ticket")
)

// Link is one reliable ordered stream between two peers. Envelopes arrive on
// Receive in send order; the channel closes when the link drops, which is the
// only disconnect signal. A dropped link never silently loses the fact of the
// drop, only undelivered frames.
type Link interface {
	Send(ctx context.Context, env model.Envelope) error
	Receive() <-chan model.Envelope
	Close() error
}

// Listener is the host side accept stream for one room.
type Listener interface {
	// Accept yields incoming links until the listener closes.
	Accept() <-chan Link
	// Ticket returns the shareable address peers use to reach this room.
	Ticket() string
	Close() error
}

type Transport interface {
	Listen(ctx context.Context, roomID string) (Listener, error)
	Dial(ctx context.Context, ticket string) (Link, error)
}

// ticket is the decoded form of the opaque address string. Callers outside
// transport implementations should treat tickets as black boxes.
type ticket struct {
	Network string `json:"net"`
	Addr    string `json:"addr,omitempty"`
	Room    string `json:"room"`
}

func EncodeTicket(network, addr, room string) string {
	b, _ := json.Marshal(ticket{Network: network, Addr: addr, Room: room})
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeTicket(s string) (network, addr, room string, err error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", "", "", errors.Join(ErrTicketInvalid, err)
	}
	var t ticket
	if err = json.Unmarshal(b, &t); err != nil {
		return "", "", "", errors.Join(ErrTicketInvalid, err)
	}
	if t.Network == "" || t.Room == "" {
		return "", "", "", ErrTicketInvalid
	}
	return t.Network, t.Addr, t.Room, nil
}
