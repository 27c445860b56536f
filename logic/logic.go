// Package logic defines the capability interface through which an
// integrating application supplies its game rules. The engine never inspects
// game state; it only moves it through this contract.
package logic

import (
	"encoding/json"

	"github.com/peerplay/peerplay/model"
)

// State is the opaque game state. It is owned exclusively by the host's
// authority engine; peers only ever hold snapshots produced by Snapshot.
type State = any

// Update is the side output of Apply: optional domain notes broadcast inside
// the resulting StateChanged event, and optional post-start role transitions
// (e.g. eliminating a player to observer).
type Update struct {
	Notes []json.RawMessage
	Roles map[model.PeerID]model.Role
}

// Game is implemented by the integrating application. All methods are called
// from a single goroutine per room; implementations need no locking. Apply
// must not mutate its input state: it returns the successor value, so a
// rejected action leaves the authoritative state untouched.
type Game interface {
	// AssignRoles maps every roster member to a role at game start. A
	// missing assignment fails the start and leaves the room in lobby.
	AssignRoles(roster []model.Participant) (map[model.PeerID]model.Role, error)

	// EligibleToStart reports whether the roster can begin a game, for
	// example by checking participant counts. A non-nil error aborts the
	// start with that reason.
	EligibleToStart(roster []model.Participant) error

	// InitialState builds the starting state from the assigned roles.
	InitialState(roles map[model.PeerID]model.Role) (State, error)

	// Legal reports whether the action is valid for the given role
	// against the current state.
	Legal(state State, role model.Role, action model.Action) bool

	// Apply validates and applies a legal action, returning the successor
	// state. An error rejects the action atomically.
	Apply(state State, action model.Action) (State, Update, error)

	// Snapshot renders the state as an opaque view suitable for observers
	// and reconnecting participants.
	Snapshot(state State) (json.RawMessage, error)
}
