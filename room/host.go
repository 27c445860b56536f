package room

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerplay/peerplay/logic"
	"github.com/peerplay/peerplay/model"
	"github.com/peerplay/peerplay/transport"
)

var _ Session = (*Host)(nil)

// Host is the session handle of the hosting process. It is the single writer
// of the authoritative game state; everything it mutates lives on the room
// loop goroutine.
type Host struct {
	id     model.PeerID
	roomID string
	cfg    Config
	logger zerolog.Logger

	listener transport.Listener
	ticket   string
	cancel   context.CancelFunc

	inbox  chan hostMsg
	events chan model.Event
	done   chan struct{}

	// owned by the room loop
	phase   model.Phase
	roster  []*model.Participant
	links   map[model.PeerID]transport.Link
	seq     uint64
	state   logic.State
	started bool
	history []model.Event
}

// Create opens a new room in the lobby phase and returns the host handle
// together with the shareable ticket. The room lives until End/Close is
// called or ctx is canceled; cancellation is the abrupt path and surfaces to
// peers as an implicit RoomEnded(host_lost).
func Create(ctx context.Context, cfg Config) (*Host, string, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, "", err
	}

	roomID := uuid.NewString()
	rctx, cancel := context.WithCancel(ctx)
	ln, err := cfg.Transport.Listen(rctx, roomID)
	if err != nil {
		cancel()
		return nil, "", fmt.Errorf("create room: %w", err)
	}

	h := &Host{
		id:       model.NewPeerID(),
		roomID:   roomID,
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "room-host").Str("room", roomID).Logger(),
		listener: ln,
		ticket:   ln.Ticket(),
		cancel:   cancel,
		inbox:    make(chan hostMsg, defaultEventBuffer),
		events:   make(chan model.Event, cfg.EventBuffer),
		done:     make(chan struct{}),
		phase:    model.PhaseLobby,
		links:    make(map[model.PeerID]transport.Link),
	}
	h.roster = []*model.Participant{{
		ID:      h.id,
		Profile: cfg.Profile,
		Status:  model.StatusConnected,
	}}

	go h.acceptLoop()
	go h.loop(rctx)

	h.logger.Info().Str("host_id", string(h.id)).Msg("room created")
	return h, h.ticket, nil
}

func (h *Host) ID() model.PeerID { return h.id }
func (h *Host) RoomID() string   { return h.roomID }

// Ticket returns the address peers use to join this room.
func (h *Host) Ticket() string { return h.ticket }

func (h *Host) Events() <-chan model.Event { return h.events }

func (h *Host) Phase() model.Phase {
	v, err := h.view(context.Background())
	if err != nil {
		return model.PhaseEnded
	}
	return v.phase
}

func (h *Host) Roster(ctx context.Context) ([]model.Participant, error) {
	v, err := h.view(ctx)
	if err != nil {
		return nil, err
	}
	return v.roster, nil
}

func (h *Host) State(ctx context.Context) (json.RawMessage, error) {
	req := stateReq{reply: make(chan stateReply, 1)}
	if err := h.post(ctx, req); err != nil {
		return nil, err
	}
	select {
	case r := <-req.reply:
		return r.snapshot, r.err
	case <-h.done:
		return nil, ErrRoomEnded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit queues the host's own action through the same validated path as
// remote submissions.
func (h *Host) Submit(ctx context.Context, payload json.RawMessage) (string, error) {
	corr := newCorrelationID()
	err := h.post(ctx, peerAction{
		peerID: h.id,
		submit: model.SubmitAction{CorrelationID: corr, Payload: payload},
	})
	if err != nil {
		return "", err
	}
	return corr, nil
}

// Start transitions lobby to active: checks eligibility, assigns roles,
// builds the initial state and emits GameStarted. On failure the room stays
// in the lobby.
func (h *Host) Start(ctx context.Context) error {
	req := startReq{reply: make(chan error, 1)}
	if err := h.post(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-req.reply:
		return err
	case <-h.done:
		return ErrRoomEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End finishes the room, emits exactly one RoomEnded and releases all links.
// Calling it again is a no-op.
func (h *Host) End(reason model.EndReason) error {
	req := endReq{reason: reason, reply: make(chan struct{}, 1)}
	select {
	case h.inbox <- req:
	case <-h.done:
		return nil
	}
	select {
	case <-req.reply:
	case <-h.done:
	}
	return nil
}

func (h *Host) Close() error {
	return h.End(model.EndReasonHostClosed)
}

func (h *Host) view(ctx context.Context) (viewReply, error) {
	req := viewReq{reply: make(chan viewReply, 1)}
	if err := h.post(ctx, req); err != nil {
		return viewReply{}, err
	}
	select {
	case v := <-req.reply:
		return v, nil
	case <-h.done:
		return viewReply{}, ErrRoomEnded
	case <-ctx.Done():
		return viewReply{}, ctx.Err()
	}
}

func (h *Host) post(ctx context.Context, m hostMsg) error {
	// the inbox is buffered; never enqueue into a room that already ended
	select {
	case <-h.done:
		return ErrRoomEnded
	default:
	}
	select {
	case h.inbox <- m:
	case <-h.done:
		return ErrRoomEnded
	case <-ctx.Done():
		return ctx.Err()
	}
	// the room may have ended while enqueueing; anything accepted before
	// the close is drained with a trace by the loop, anything racing past
	// it gets this synchronous error instead
	select {
	case <-h.done:
		return ErrRoomEnded
	default:
		return nil
	}
}

func (h *Host) acceptLoop() {
	for {
		select {
		case link, ok := <-h.listener.Accept():
			if !ok {
				return
			}
			go h.handshake(link)
		case <-h.done:
			return
		}
	}
}

// handshake waits for the peer's hello before bothering the room loop.
func (h *Host) handshake(link transport.Link) {
	timer := time.NewTimer(helloTimeout)
	defer timer.Stop()

	select {
	case env, ok := <-link.Receive():
		if !ok || env.Kind != model.KindHello {
			_ = link.Close()
			return
		}
		var hello model.Hello
		if err := env.DecodeBody(&hello); err != nil {
			h.logger.Debug().Err(err).Msg("malformed hello")
			_ = link.Close()
			return
		}
		select {
		case h.inbox <- peerHello{link: link, hello: hello}:
		case <-h.done:
			_ = link.Close()
		}
	case <-timer.C:
		h.logger.Debug().Msg("handshake timed out")
		_ = link.Close()
	case <-h.done:
		_ = link.Close()
	}
}

// loop is the room's single sequential processing path. Actions are applied
// one at a time in arrival order; that serialization is the correctness
// mechanism, not locks.
func (h *Host) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// abrupt shutdown: no RoomEnded frame goes out, peers
			// synthesize host_lost from the dropped links
			h.teardown()
			return
		case m := <-h.inbox:
			switch msg := m.(type) {
			case peerHello:
				h.admit(ctx, msg)
			case peerAction:
				h.process(ctx, msg)
			case peerGone:
				h.dropPeer(ctx, msg)
			case startReq:
				ev, err := h.start()
				msg.reply <- err
				if err == nil {
					h.emit(ctx, ev)
				}
			case endReq:
				if h.phase == model.PhaseEnded {
					msg.reply <- struct{}{}
					continue
				}
				h.phase = model.PhaseEnded
				// stop accepting submissions before the caller
				// learns the room is over, then give every
				// queued-but-unprocessed message its trace
				h.closeDone()
				msg.reply <- struct{}{}
				h.drainInbox(ctx)
				h.emit(ctx, model.Event{
					Type:      model.EventRoomEnded,
					RoomEnded: &model.RoomEndedEvent{Reason: msg.reason},
				})
				h.logger.Info().Str("reason", string(msg.reason)).Msg("room ended")
				h.teardown()
				return
			case stateReq:
				msg.reply <- h.snapshotState()
			case viewReq:
				msg.reply <- viewReply{phase: h.phase, roster: h.rosterCopy()}
			}
		}
	}
}

func (h *Host) teardown() {
	h.closeDone()
	_ = h.listener.Close()
	for _, link := range h.links {
		_ = link.Close()
	}
	h.links = make(map[model.PeerID]transport.Link)
	close(h.events)
	h.cancel()
}

// closeDone is called only from the room loop goroutine.
func (h *Host) closeDone() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// drainInbox runs after done is closed: pending actions are rejected to
// their submitter and pending handshakes refused, so nothing accepted before
// the end disappears without a trace.
func (h *Host) drainInbox(ctx context.Context) {
	for {
		select {
		case m := <-h.inbox:
			switch msg := m.(type) {
			case peerAction:
				h.rejectAction(ctx, msg.peerID, msg.submit.CorrelationID,
					model.RejectWrongPhase, "room ended")
			case peerHello:
				h.refuse(msg.link, model.RefuseRoomEnded, "room has ended")
			}
		default:
			return
		}
	}
}

// admit runs the host-side admission policy and registers the participant.
// The PlayerJoined event is emitted after the welcome, so the new participant
// sees the roster snapshot first and then the same event everyone else gets.
func (h *Host) admit(ctx context.Context, m peerHello) {
	if h.phase == model.PhaseEnded {
		h.refuse(m.link, model.RefuseRoomEnded, "room has ended")
		return
	}

	id := m.hello.PeerID
	if id == "" {
		id = model.NewPeerID()
	}

	if p := h.participant(id); p != nil {
		if p.Status == model.StatusConnected {
			h.refuse(m.link, model.RefuseDuplicate, "identity already connected")
			return
		}
		// seat reclaim
		p.Status = model.StatusConnected
		h.links[id] = m.link
		h.sendWelcome(m.link, id, m.hello.LastSeq, true)
		go h.readPeer(id, m.link)
		h.emit(ctx, model.Event{
			Type:         model.EventPlayerJoined,
			PlayerJoined: &model.PlayerJoinedEvent{Participant: *p, Rejoined: true},
		})
		h.logger.Debug().Str("peer", string(id)).Msg("seat reclaimed")
		return
	}

	if h.phase == model.PhaseLobby && h.cfg.MaxPlayers > 0 && len(h.roster) >= h.cfg.MaxPlayers {
		h.refuse(m.link, model.RefuseRoomFull, "room is full")
		return
	}

	p := &model.Participant{ID: id, Profile: m.hello.Profile, Status: model.StatusConnected}
	if h.phase == model.PhaseActive {
		// observer admission: no capacity check, fixed read-only role
		p.Role = model.RoleObserver
	}
	h.roster = append(h.roster, p)
	h.links[id] = m.link
	h.sendWelcome(m.link, id, 0, false)
	go h.readPeer(id, m.link)
	h.emit(ctx, model.Event{
		Type:         model.EventPlayerJoined,
		PlayerJoined: &model.PlayerJoinedEvent{Participant: *p},
	})
	h.logger.Debug().Str("peer", string(id)).Str("phase", string(h.phase)).Msg("participant admitted")
}

// sendWelcome delivers the catch-up material: an exact replay when the
// history window still covers the peer's last seen event, otherwise the
// current snapshot with Seq as the tombstone for discarded history.
func (h *Host) sendWelcome(link transport.Link, id model.PeerID, lastSeq uint64, resuming bool) {
	w := model.Welcome{
		You:    id,
		HostID: h.id,
		RoomID: h.roomID,
		Phase:  h.phase,
		Roster: h.rosterCopy(),
		Seq:    h.seq,
	}

	if resuming && h.covers(lastSeq) {
		w.Replay = h.since(lastSeq)
	} else if h.started {
		snap, err := h.cfg.Logic.Snapshot(h.state)
		if err != nil {
			h.logger.Error().Err(err).Msg("snapshot for welcome failed")
		} else {
			w.Snapshot = snap
		}
	}

	env, err := model.NewEnvelope(model.KindWelcome, w)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode welcome failed")
		return
	}
	h.sendTo(id, link, env)
}

func (h *Host) refuse(link transport.Link, code model.RefuseCode, reason string) {
	env, err := model.NewEnvelope(model.KindRefused, model.Refused{Code: code, Reason: reason})
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		_ = link.Send(ctx, env)
		cancel()
	}
	_ = link.Close()
	h.logger.Debug().Str("code", string(code)).Msg("join refused")
}

// readPeer pumps one peer's inbound frames into the room loop. It runs off
// the loop goroutine, one per connected link.
func (h *Host) readPeer(id model.PeerID, link transport.Link) {
	for env := range link.Receive() {
		switch env.Kind {
		case model.KindAction:
			var sa model.SubmitAction
			if err := env.DecodeBody(&sa); err != nil {
				h.logger.Debug().Err(err).Str("peer", string(id)).Msg("corrupt action frame, failing link")
				h.postGone(peerGone{peerID: id, link: link, reason: "corrupt frame"})
				return
			}
			select {
			case h.inbox <- peerAction{peerID: id, submit: sa}:
			case <-h.done:
				return
			}
		case model.KindLeave:
			var lv model.Leave
			_ = env.DecodeBody(&lv)
			h.postGone(peerGone{peerID: id, link: link, graceful: true, reason: lv.Reason})
			return
		default:
			h.logger.Debug().Str("kind", string(env.Kind)).Msg("unexpected frame from peer")
		}
	}
	h.postGone(peerGone{peerID: id, link: link, reason: "link dropped"})
}

func (h *Host) postGone(m peerGone) {
	select {
	case h.inbox <- m:
	case <-h.done:
	}
}

// process is the authority engine: validate against the capability, apply,
// snapshot, commit, emit. Validation and mutation are atomic per action;
// nothing is committed on a rejection.
func (h *Host) process(ctx context.Context, m peerAction) {
	corr := m.submit.CorrelationID

	if h.phase != model.PhaseActive {
		h.rejectAction(ctx, m.peerID, corr, model.RejectWrongPhase, "room is not active")
		return
	}
	p := h.participant(m.peerID)
	if p == nil {
		h.rejectAction(ctx, m.peerID, corr, model.RejectUnknownPlayer, "not a participant")
		return
	}

	action := model.Action{PeerID: m.peerID, CorrelationID: corr, Payload: m.submit.Payload}
	if !h.cfg.Logic.Legal(h.state, p.Role, action) {
		h.rejectAction(ctx, m.peerID, corr, model.RejectIllegalAction, "illegal action")
		return
	}

	newState, update, err := h.cfg.Logic.Apply(h.state, action)
	if err != nil {
		h.rejectAction(ctx, m.peerID, corr, model.RejectIllegalAction, err.Error())
		return
	}
	snap, err := h.cfg.Logic.Snapshot(newState)
	if err != nil {
		h.logger.Error().Err(err).Msg("snapshot after apply failed, action dropped")
		h.rejectAction(ctx, m.peerID, corr, model.RejectIllegalAction, "state snapshot failed")
		return
	}

	h.state = newState
	for pid, role := range update.Roles {
		if rp := h.participant(pid); rp != nil {
			rp.Role = role
		}
	}
	h.emit(ctx, model.Event{
		Type: model.EventStateChanged,
		StateChanged: &model.StateChangedEvent{
			Snapshot: snap,
			Notes:    update.Notes,
			Roles:    update.Roles,
		},
	})
}

// rejectAction notifies only the submitter. Rejections carry Seq 0 and never
// enter the room log, so every participant's log stays gap-free.
func (h *Host) rejectAction(ctx context.Context, id model.PeerID, corr string, code model.RejectCode, reason string) {
	ev := model.Event{
		Type:           model.EventActionRejected,
		ActionRejected: &model.ActionRejectedEvent{CorrelationID: corr, Code: code, Reason: reason},
	}
	if id == h.id {
		select {
		case h.events <- ev:
		case <-ctx.Done():
		}
		return
	}
	link, ok := h.links[id]
	if !ok {
		return
	}
	env, err := model.NewEnvelope(model.KindEvent, ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode rejection failed")
		return
	}
	h.sendTo(id, link, env)
}

func (h *Host) start() (model.Event, error) {
	if h.phase != model.PhaseLobby {
		return model.Event{}, fmt.Errorf("%w: room is %s, not in lobby", ErrStartFailed, h.phase)
	}
	roster := h.rosterCopy()
	if err := h.cfg.Logic.EligibleToStart(roster); err != nil {
		return model.Event{}, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	roles, err := h.cfg.Logic.AssignRoles(roster)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	for _, p := range h.roster {
		if _, ok := roles[p.ID]; !ok {
			return model.Event{}, fmt.Errorf("%w: no role assigned to %q", ErrStartFailed, p.Profile.Nickname)
		}
	}
	state, err := h.cfg.Logic.InitialState(roles)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	h.state, h.started = state, true
	h.phase = model.PhaseActive
	for _, p := range h.roster {
		p.Role = roles[p.ID]
	}
	h.logger.Info().Int("players", len(roles)).Msg("game started")
	return model.Event{
		Type:        model.EventGameStarted,
		GameStarted: &model.GameStartedEvent{Roles: roles},
	}, nil
}

func (h *Host) dropPeer(ctx context.Context, m peerGone) {
	if h.phase == model.PhaseEnded {
		return
	}
	cur, ok := h.links[m.peerID]
	if !ok || (m.link != nil && cur != m.link) {
		return // stale reader of an already replaced link
	}
	delete(h.links, m.peerID)
	_ = cur.Close()

	p := h.participant(m.peerID)
	if p == nil {
		return
	}
	if h.phase == model.PhaseLobby {
		h.removeParticipant(m.peerID)
		h.emit(ctx, model.Event{
			Type:       model.EventPlayerLeft,
			PlayerLeft: &model.PlayerLeftEvent{PeerID: m.peerID, Reason: m.reason},
		})
	} else {
		// seat reservation: the slot survives for a reconnect; a drop
		// without a goodbye means the participant is expected back
		p.Status = model.StatusDisconnected
		if !m.graceful {
			p.Status = model.StatusReconnecting
		}
		h.emit(ctx, model.Event{
			Type: model.EventPlayerLeft,
			PlayerLeft: &model.PlayerLeftEvent{
				PeerID:   m.peerID,
				SeatKept: true,
				Status:   p.Status,
				Reason:   m.reason,
			},
		})
	}
	h.logger.Debug().
		Str("peer", string(m.peerID)).
		Bool("graceful", m.graceful).
		Msg("participant disconnected")
}

// emit assigns the next sequence number, records the event in the bounded
// history and fans it out to the local stream and every connected link. The
// dispatcher buffers but never reorders or duplicates.
func (h *Host) emit(ctx context.Context, ev model.Event) {
	h.seq++
	ev.Seq = h.seq
	h.history = append(h.history, ev)
	if over := len(h.history) - h.cfg.History; over > 0 {
		h.history = append([]model.Event(nil), h.history[over:]...)
	}

	// local delivery first; a canceled room ctx is the only way past a
	// stalled consumer, so teardown stays reachable
	select {
	case h.events <- ev:
	default:
		select {
		case h.events <- ev:
		case <-ctx.Done():
			// abrupt termination: peers learn from the dropped links
			return
		}
	}

	env, err := model.NewEnvelope(model.KindEvent, ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode event failed")
		return
	}
	for id, link := range h.links {
		h.sendTo(id, link, env)
	}
}

// sendTo forwards one frame to a peer; a send failure marks the endpoint
// dead and lets the regular disconnect path reclaim it.
func (h *Host) sendTo(id model.PeerID, link transport.Link, env model.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := link.Send(ctx, env); err != nil {
		h.logger.Debug().Err(err).Str("peer", string(id)).Msg("dead endpoint")
		go h.postGone(peerGone{peerID: id, link: link, reason: "send failed"})
	}
}

func (h *Host) snapshotState() stateReply {
	if !h.started {
		return stateReply{}
	}
	snap, err := h.cfg.Logic.Snapshot(h.state)
	return stateReply{snapshot: snap, err: err}
}

func (h *Host) participant(id model.PeerID) *model.Participant {
	for _, p := range h.roster {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (h *Host) removeParticipant(id model.PeerID) {
	for i, p := range h.roster {
		if p.ID == id {
			h.roster = append(h.roster[:i], h.roster[i+1:]...)
			return
		}
	}
}

func (h *Host) rosterCopy() []model.Participant {
	out := make([]model.Participant, 0, len(h.roster))
	for _, p := range h.roster {
		out = append(out, *p)
	}
	return out
}

// covers reports whether the retained history contains every event after
// lastSeq, i.e. an exact replay is possible.
func (h *Host) covers(lastSeq uint64) bool {
	if lastSeq >= h.seq {
		return true
	}
	return len(h.history) > 0 && h.history[0].Seq <= lastSeq+1
}

func (h *Host) since(lastSeq uint64) []model.Event {
	out := make([]model.Event, 0, len(h.history))
	for _, ev := range h.history {
		if ev.Seq > lastSeq {
			out = append(out, ev)
		}
	}
	return out
}
