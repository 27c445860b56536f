package room

import (
	"encoding/json"

	"github.com/peerplay/peerplay/model"
	"github.com/peerplay/peerplay/transport"
)

// hostMsg is the single-threaded host loop's inbox message set. Everything
// that touches roster, phase or game state goes through it.
type hostMsg interface{ isHostMsg() }

// peerHello is a completed transport handshake awaiting admission.
type peerHello struct {
	link  transport.Link
	hello model.Hello
}

// peerAction is an action submission, remote or the host's own.
type peerAction struct {
	peerID model.PeerID
	submit model.SubmitAction
}

// peerGone reports a dropped or departing link. The link pointer guards
// against a stale reader tearing down a reclaimed seat's fresh connection.
type peerGone struct {
	peerID   model.PeerID
	link     transport.Link
	graceful bool
	reason   string
}

type startReq struct {
	reply chan error
}

type endReq struct {
	reason model.EndReason
	reply  chan struct{}
}

type stateReq struct {
	reply chan stateReply
}

type stateReply struct {
	snapshot json.RawMessage
	err      error
}

type viewReq struct {
	reply chan viewReply
}

type viewReply struct {
	phase  model.Phase
	roster []model.Participant
}

func (peerHello) isHostMsg()  {}
func (peerAction) isHostMsg() {}
func (peerGone) isHostMsg()   {}
func (startReq) isHostMsg()   {}
func (endReq) isHostMsg()     {}
func (stateReq) isHostMsg()   {}
func (viewReq) isHostMsg()    {}
