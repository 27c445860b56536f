package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize bounds a single wire frame. Oversized frames fail the link,
// not the room.
const MaxFrameSize = 1 << 20

var ErrBadEnvelope = errors.New("malformed envelope")

// Kind tags a wire envelope.
type Kind string

const (
	// KindHello is the first frame a peer sends after connecting.
	KindHello Kind = "hello"
	// KindWelcome is the host's admission reply: roster, phase and the
	// catch-up material (replay or snapshot).
	KindWelcome Kind = "welcome"
	// KindRefused is the host's synchronous join refusal; the link is
	// closed right after.
	KindRefused Kind = "refused"
	// KindAction is a peer's action submission.
	KindAction Kind = "action"
	// KindLeave is a peer's graceful goodbye.
	KindLeave Kind = "leave"
	// KindEvent is an authoritative event pushed by the host.
	KindEvent Kind = "event"
)

// Envelope is the self-delimited frame exchanged over a link.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

func NewEnvelope(kind Kind, body any) (Envelope, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s body: %w", kind, err)
	}
	return Envelope{Kind: kind, Body: b}, nil
}

// DecodeBody unmarshals the envelope body into v.
func (e Envelope) DecodeBody(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return errors.Join(ErrBadEnvelope, err)
	}
	return nil
}

type Hello struct {
	PeerID  PeerID  `json:"peer_id"`
	Profile Profile `json:"profile"`
	// LastSeq is the last event sequence number the peer observed before
	// disconnecting. Zero on a first join.
	LastSeq uint64 `json:"last_seq,omitempty"`
}

type Welcome struct {
	You    PeerID        `json:"you"`
	HostID PeerID        `json:"host_id"`
	RoomID string        `json:"room_id"`
	Phase  Phase         `json:"phase"`
	Roster []Participant `json:"roster"`
	// Seq is the room sequence number the roster and snapshot reflect.
	Seq uint64 `json:"seq"`
	// Replay holds retained events after the peer's LastSeq, when the
	// host's history window still covers them.
	Replay []Event `json:"replay,omitempty"`
	// Snapshot is the catch-up state when history was discarded or the
	// peer is admitted mid-game. Its presence marks the tombstone for
	// any events before Seq.
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

type Refused struct {
	Code   RefuseCode `json:"code"`
	Reason string     `json:"reason,omitempty"`
}

type SubmitAction struct {
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

type Leave struct {
	Reason string `json:"reason,omitempty"`
}
