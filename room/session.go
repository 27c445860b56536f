// Package room implements the authoritative session protocol: room and lobby
// lifecycle, host-side validation and mutation of game state, role assignment
// at start, observer admission and ordered event fan-out.
//
// One process is the host (Create) and owns the writable game state; every
// other participant (Join) holds a projection kept consistent by the event
// stream. All host-side mutation runs on a single goroutine per room, so
// actions are serialized in host receipt order by construction.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerplay/peerplay/logic"
	"github.com/peerplay/peerplay/model"
	"github.com/peerplay/peerplay/transport"
)

var (
	// ErrRoomEnded is returned by operations on a room that has ended.
	ErrRoomEnded = errors.New("room ended")
	// ErrStartFailed wraps the reason a start was aborted; the room stays
	// in lobby.
	ErrStartFailed = errors.New("start failed")
	// ErrAdmissionRejected wraps the host's synchronous join refusal.
	ErrAdmissionRejected = errors.New("admission rejected")
	// ErrProtocol signals an unexpected frame during the join handshake.
	ErrProtocol = errors.New("protocol violation")
)

const (
	defaultHistory     = 256
	defaultEventBuffer = 64

	helloTimeout = 10 * time.Second
	sendTimeout  = 5 * time.Second
)

// Session is the application-facing handle shared by host and peer sides.
type Session interface {
	// ID is this process's peer identity within the room.
	ID() model.PeerID
	RoomID() string
	Phase() model.Phase

	// Events is the room's real-time event loop: an infinite,
	// single-consumer stream in global sequence order, closed when the
	// room ends. ActionRejected results for this participant arrive here
	// with Seq 0.
	Events() <-chan model.Event

	// Submit queues an action for host validation. The returned
	// correlation id ties the eventual StateChanged or ActionRejected
	// back to this call.
	Submit(ctx context.Context, payload json.RawMessage) (string, error)

	// State returns the current game-state snapshot, nil before start.
	State(ctx context.Context) (json.RawMessage, error)

	// Roster returns the current participant list in join order.
	Roster(ctx context.Context) ([]model.Participant, error)

	Close() error
}

// Identity lets a disconnected participant reclaim its seat on a later Join.
type Identity struct {
	PeerID model.PeerID
	// LastSeq is the last event sequence number observed; the host
	// replays from here when its history window still covers it.
	LastSeq uint64
}

type Config struct {
	Logic     logic.Game
	Transport transport.Transport
	Profile   model.Profile
	Logger    *zerolog.Logger

	// MaxPlayers caps lobby admission, host included. Zero means
	// unlimited. Observers admitted mid-game do not count against it.
	MaxPlayers int
	// History is how many events the host retains for reconnect replay.
	History int
	// EventBuffer sizes the local Events channel.
	EventBuffer int
	// Resume reclaims a reserved seat instead of joining fresh.
	Resume *Identity
}

func newCorrelationID() string {
	return uuid.NewString()
}

func (cfg *Config) withDefaults() error {
	if cfg.Logic == nil {
		return errors.New("config: game logic is required")
	}
	if cfg.Transport == nil {
		return errors.New("config: transport is required")
	}
	if cfg.History <= 0 {
		cfg.History = defaultHistory
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return nil
}
