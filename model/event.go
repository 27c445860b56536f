package model

import "encoding/json"

// Action is a participant's request to change game state. The payload is
// opaque to the engine and interpreted by the game-logic capability.
type Action struct {
	PeerID        PeerID          `json:"peer_id"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

type EventType string

const (
	EventPlayerJoined   EventType = "player_joined"
	EventPlayerLeft     EventType = "player_left"
	EventGameStarted    EventType = "game_started"
	EventStateChanged   EventType = "state_changed"
	EventRoomEnded      EventType = "room_ended"
	EventActionRejected EventType = "action_rejected"
)

// Event is an authoritative, immutable notification issued by the host.
// Seq totally orders events within a room, starting at 1. ActionRejected
// events are addressed to the submitter only and carry Seq 0; they are never
// part of the shared room log.
type Event struct {
	Seq  uint64    `json:"seq"`
	Type EventType `json:"type"`

	PlayerJoined   *PlayerJoinedEvent   `json:"player_joined,omitempty"`
	PlayerLeft     *PlayerLeftEvent     `json:"player_left,omitempty"`
	GameStarted    *GameStartedEvent    `json:"game_started,omitempty"`
	StateChanged   *StateChangedEvent   `json:"state_changed,omitempty"`
	RoomEnded      *RoomEndedEvent      `json:"room_ended,omitempty"`
	ActionRejected *ActionRejectedEvent `json:"action_rejected,omitempty"`
}

type PlayerJoinedEvent struct {
	Participant Participant `json:"participant"`
	// Rejoined is set when a disconnected participant reclaims its seat.
	Rejoined bool `json:"rejoined,omitempty"`
}

type PlayerLeftEvent struct {
	PeerID PeerID `json:"peer_id"`
	// SeatKept is set for departures during an active game: the roster
	// slot is reserved so the participant can reconnect.
	SeatKept bool `json:"seat_kept,omitempty"`
	// Status is the participant's standing after a kept-seat departure:
	// Disconnected after a goodbye, Reconnecting after a silent drop.
	Status Status `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type GameStartedEvent struct {
	Roles map[PeerID]Role `json:"roles"`
}

// StateChangedEvent carries the full authoritative snapshot after an applied
// action, plus any domain notes the game logic attached and any post-start
// role transitions (e.g. elimination to observer).
type StateChangedEvent struct {
	Snapshot json.RawMessage   `json:"snapshot"`
	Notes    []json.RawMessage `json:"notes,omitempty"`
	Roles    map[PeerID]Role   `json:"roles,omitempty"`
}

type RoomEndedEvent struct {
	Reason EndReason `json:"reason"`
}

type ActionRejectedEvent struct {
	CorrelationID string     `json:"correlation_id"`
	Code          RejectCode `json:"code"`
	Reason        string     `json:"reason,omitempty"`
}
