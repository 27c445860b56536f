// Package model holds the data types shared between the room engine, the
// transport layer and integrating applications: peer identity, the roster,
// room lifecycle phases and the event taxonomy.
package model

import "github.com/google/uuid"

// PeerID identifies a participant's endpoint. It is generated by the joining
// process and stays stable across reconnects for the lifetime of a room.
type PeerID string

func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// Profile carries presentation info a peer announces about itself.
type Profile struct {
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar,omitempty"`
}

// Status is a participant's connection status as tracked by the host.
type Status string

const (
	StatusConnected Status = "connected"
	// StatusDisconnected marks a reserved seat after a graceful goodbye.
	StatusDisconnected Status = "disconnected"
	// StatusReconnecting marks a reserved seat whose link dropped without
	// a goodbye; the host expects the participant back.
	StatusReconnecting Status = "reconnecting"
)

// Role is a game role assigned by the game-logic capability at start time.
// The empty role means "not assigned yet" (lobby phase).
type Role string

// RoleObserver marks a participant with read-only standing. It is assigned
// unconditionally to anyone admitted after the game has started.
const RoleObserver Role = "observer"

type Participant struct {
	ID      PeerID  `json:"id"`
	Profile Profile `json:"profile"`
	Role    Role    `json:"role,omitempty"`
	Status  Status  `json:"status"`
}

// Phase is the room lifecycle state.
type Phase string

const (
	PhaseLobby  Phase = "lobby"
	PhaseActive Phase = "active"
	PhaseEnded  Phase = "ended"
)

// EndReason explains a RoomEnded event.
type EndReason string

const (
	// EndReasonHostClosed means the host ended the session deliberately.
	EndReasonHostClosed EndReason = "host_closed"
	// EndReasonHostLost means the link to the host dropped without a
	// RoomEnded event; peers synthesize this reason locally.
	EndReasonHostLost EndReason = "host_lost"
)

// RejectCode classifies an ActionRejected event.
type RejectCode string

const (
	RejectIllegalAction RejectCode = "illegal_action"
	RejectWrongPhase    RejectCode = "wrong_phase"
	RejectUnknownPlayer RejectCode = "unknown_player"
)

// RefuseCode classifies a synchronous join refusal.
type RefuseCode string

const (
	RefuseRoomFull  RefuseCode = "room_full"
	RefuseDuplicate RefuseCode = "duplicate_identity"
	RefuseRoomEnded RefuseCode = "room_ended"
)
