// Package mem is an in-process transport. Links are channel pairs, so rooms
// hosted and joined within one process exchange frames without any I/O. It
// backs the engine's tests and same-process play.
package mem

import (
	"context"
	"sync"

	"github.com/peerplay/peerplay/model"
	"github.com/peerplay/peerplay/transport"
)

const networkName = "mem"

const linkBuffer = 64

// Network is a registry of in-process listeners. All sessions sharing a
// Network can reach each other's rooms.
type Network struct {
	mx    sync.Mutex
	rooms map[string]*listener
}

func New() *Network {
	return &Network{rooms: make(map[string]*listener)}
}

func (n *Network) Listen(_ context.Context, roomID string) (transport.Listener, error) {
	n.mx.Lock()
	defer n.mx.Unlock()
	if _, ok := n.rooms[roomID]; ok {
		return nil, transport.ErrListenerClosed
	}
	l := &listener{
		net:    n,
		room:   roomID,
		accept: make(chan transport.Link, linkBuffer),
		done:   make(chan struct{}),
	}
	n.rooms[roomID] = l
	return l, nil
}

func (n *Network) Dial(ctx context.Context, t string) (transport.Link, error) {
	network, _, room, err := transport.DecodeTicket(t)
	if err != nil {
		return nil, err
	}
	if network != networkName {
		return nil, transport.ErrTicketInvalid
	}

	n.mx.Lock()
	l, ok := n.rooms[room]
	n.mx.Unlock()
	if !ok {
		return nil, transport.ErrListenerClosed
	}

	local, remote := newPair()
	select {
	case l.accept <- remote:
		return local, nil
	case <-l.done:
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type listener struct {
	net    *Network
	room   string
	accept chan transport.Link
	done   chan struct{}
	once   sync.Once
}

func (l *listener) Accept() <-chan transport.Link { return l.accept }

func (l *listener) Ticket() string {
	return transport.EncodeTicket(networkName, "", l.room)
}

func (l *listener) Close() error {
	l.once.Do(func() {
		l.net.mx.Lock()
		delete(l.net.rooms, l.room)
		l.net.mx.Unlock()
		close(l.done)
		close(l.accept)
	})
	return nil
}

// link is one end of a channel pair. done and once are shared between both
// ends, so closing either side drops the whole link.
type link struct {
	send chan model.Envelope
	recv chan model.Envelope
	out  chan model.Envelope
	done chan struct{}
	once *sync.Once
}

func newPair() (transport.Link, transport.Link) {
	ab := make(chan model.Envelope, linkBuffer)
	ba := make(chan model.Envelope, linkBuffer)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &link{send: ab, recv: ba, out: make(chan model.Envelope, linkBuffer), done: done, once: once}
	b := &link{send: ba, recv: ab, out: make(chan model.Envelope, linkBuffer), done: done, once: once}
	go a.pump()
	go b.pump()
	return a, b
}

// pump moves inbound frames to the receive channel and closes it when the
// link drops, preserving order and delivering anything already in flight.
func (l *link) pump() {
	defer close(l.out)
	for {
		select {
		case env := <-l.recv:
			if !l.forward(env) {
				return
			}
		case <-l.done:
			l.drain()
			return
		}
	}
}

// forward hands one frame to the receive side. Delivery wins over a
// concurrent close as long as there is capacity; only a full channel on a
// closed link gives the frame up.
func (l *link) forward(env model.Envelope) bool {
	select {
	case l.out <- env:
		return true
	default:
	}
	select {
	case l.out <- env:
		return true
	case <-l.done:
		return false
	}
}

// drain flushes frames that were sent before the close, stopping only at
// capacity.
func (l *link) drain() {
	for {
		select {
		case env := <-l.recv:
			select {
			case l.out <- env:
			default:
				return
			}
		default:
			return
		}
	}
}

func (l *link) Send(ctx context.Context, env model.Envelope) error {
	select {
	case <-l.done:
		return transport.ErrLinkClosed
	default:
	}
	select {
	case l.send <- env:
		return nil
	case <-l.done:
		return transport.ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *link) Receive() <-chan model.Envelope { return l.out }

func (l *link) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
