package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerplay/peerplay/model"
	"github.com/peerplay/peerplay/transport"
)

var _ Session = (*Peer)(nil)

// Peer is the session handle of a non-hosting participant. It holds no
// writable game state, only the projections kept current by the host's event
// stream: last snapshot, roster and sequence number.
type Peer struct {
	id     model.PeerID
	roomID string
	hostID model.PeerID
	logger zerolog.Logger

	link    transport.Link
	events  chan model.Event
	done    chan struct{}
	once    sync.Once
	closing atomic.Bool

	mu       sync.RWMutex
	phase    model.Phase
	roster   []model.Participant
	snapshot json.RawMessage
	seq      uint64
}

// Join resolves the ticket, runs the admission handshake and returns a live
// session. With cfg.Resume set it reclaims a reserved seat and catches up via
// replay or snapshot; otherwise it joins fresh, as an observer when the game
// is already running.
func Join(ctx context.Context, cfg Config, ticket string) (*Peer, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}

	link, err := cfg.Transport.Dial(ctx, ticket)
	if err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}

	id := model.NewPeerID()
	var lastSeq uint64
	if cfg.Resume != nil {
		id, lastSeq = cfg.Resume.PeerID, cfg.Resume.LastSeq
	}

	env, err := model.NewEnvelope(model.KindHello, model.Hello{
		PeerID:  id,
		Profile: cfg.Profile,
		LastSeq: lastSeq,
	})
	if err == nil {
		err = link.Send(ctx, env)
	}
	if err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("join: send hello: %w", err)
	}

	w, err := awaitWelcome(ctx, link)
	if err != nil {
		_ = link.Close()
		return nil, err
	}

	p := &Peer{
		id:       w.You,
		roomID:   w.RoomID,
		hostID:   w.HostID,
		logger:   cfg.Logger.With().Str("component", "room-peer").Str("room", w.RoomID).Logger(),
		link:     link,
		events:   make(chan model.Event, cfg.EventBuffer),
		done:     make(chan struct{}),
		phase:    w.Phase,
		roster:   w.Roster,
		snapshot: w.Snapshot,
		seq:      w.Seq,
	}

	go p.run(w.Replay)
	p.logger.Debug().Str("peer_id", string(p.id)).Str("phase", string(w.Phase)).Msg("joined room")
	return p, nil
}

func awaitWelcome(ctx context.Context, link transport.Link) (model.Welcome, error) {
	timer := time.NewTimer(helloTimeout)
	defer timer.Stop()

	select {
	case env, ok := <-link.Receive():
		if !ok {
			return model.Welcome{}, fmt.Errorf("join: %w", transport.ErrLinkClosed)
		}
		switch env.Kind {
		case model.KindWelcome:
			var w model.Welcome
			if err := env.DecodeBody(&w); err != nil {
				return model.Welcome{}, fmt.Errorf("join: %w", err)
			}
			return w, nil
		case model.KindRefused:
			var r model.Refused
			_ = env.DecodeBody(&r)
			return model.Welcome{}, fmt.Errorf("%w: %s: %s", ErrAdmissionRejected, r.Code, r.Reason)
		default:
			return model.Welcome{}, fmt.Errorf("%w: expected welcome, got %s", ErrProtocol, env.Kind)
		}
	case <-timer.C:
		return model.Welcome{}, fmt.Errorf("join: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		return model.Welcome{}, ctx.Err()
	}
}

func (p *Peer) ID() model.PeerID { return p.id }
func (p *Peer) RoomID() string   { return p.roomID }

// HostID identifies the participant holding authority over this room.
func (p *Peer) HostID() model.PeerID { return p.hostID }

func (p *Peer) Events() <-chan model.Event { return p.events }

func (p *Peer) Phase() model.Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.phase
}

func (p *Peer) Roster(context.Context) ([]model.Participant, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Participant, len(p.roster))
	copy(out, p.roster)
	return out, nil
}

func (p *Peer) State(context.Context) (json.RawMessage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.snapshot == nil {
		return nil, nil
	}
	return append(json.RawMessage(nil), p.snapshot...), nil
}

// Identity captures what a later Join needs to reclaim this seat.
func (p *Peer) Identity() Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Identity{PeerID: p.id, LastSeq: p.seq}
}

func (p *Peer) Submit(ctx context.Context, payload json.RawMessage) (string, error) {
	select {
	case <-p.done:
		return "", ErrRoomEnded
	default:
	}
	corr := newCorrelationID()
	env, err := model.NewEnvelope(model.KindAction, model.SubmitAction{
		CorrelationID: corr,
		Payload:       payload,
	})
	if err != nil {
		return "", err
	}
	if err = p.link.Send(ctx, env); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	return corr, nil
}

// Close leaves the room gracefully. It releases this peer's link only; other
// participants are unaffected beyond the PlayerLeft the host emits.
func (p *Peer) Close() error {
	p.closing.Store(true)
	p.once.Do(func() {
		if env, err := model.NewEnvelope(model.KindLeave, model.Leave{}); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = p.link.Send(ctx, env)
			cancel()
		}
		_ = p.link.Close()
		close(p.done)
	})
	return nil
}

// run is the peer's event pump: replay first, then the live stream. It is
// the sole closer of the events channel.
func (p *Peer) run(replay []model.Event) {
	defer close(p.events)

	for _, ev := range replay {
		if p.deliver(ev) {
			_ = p.link.Close()
			return
		}
	}

	for env := range p.link.Receive() {
		if env.Kind != model.KindEvent {
			p.logger.Debug().Str("kind", string(env.Kind)).Msg("unexpected frame from host")
			continue
		}
		var ev model.Event
		if err := env.DecodeBody(&ev); err != nil {
			p.logger.Error().Err(err).Msg("corrupt event frame, failing link")
			break
		}
		if p.deliver(ev) {
			_ = p.link.Close()
			return
		}
	}

	// the link dropped without a RoomEnded: the host is gone
	if !p.closing.Load() {
		p.mu.Lock()
		p.phase = model.PhaseEnded
		p.mu.Unlock()
		p.deliver(model.Event{
			Type:      model.EventRoomEnded,
			RoomEnded: &model.RoomEndedEvent{Reason: model.EndReasonHostLost},
		})
	}
}

// deliver applies the event to the local projections and forwards it to the
// application stream, preserving global order. Returns true on terminal
// events.
func (p *Peer) deliver(ev model.Event) bool {
	if ev.Seq != 0 {
		p.apply(ev)
	}
	select {
	case p.events <- ev:
	case <-p.done:
		return true
	}
	return ev.Type == model.EventRoomEnded
}

func (p *Peer) apply(ev model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq = ev.Seq
	switch ev.Type {
	case model.EventPlayerJoined:
		joined := ev.PlayerJoined.Participant
		for i := range p.roster {
			if p.roster[i].ID == joined.ID {
				p.roster[i] = joined
				return
			}
		}
		p.roster = append(p.roster, joined)
	case model.EventPlayerLeft:
		left := ev.PlayerLeft
		for i := range p.roster {
			if p.roster[i].ID != left.PeerID {
				continue
			}
			if left.SeatKept {
				p.roster[i].Status = left.Status
			} else {
				p.roster = append(p.roster[:i], p.roster[i+1:]...)
			}
			return
		}
	case model.EventGameStarted:
		p.phase = model.PhaseActive
		for i := range p.roster {
			if role, ok := ev.GameStarted.Roles[p.roster[i].ID]; ok {
				p.roster[i].Role = role
			}
		}
	case model.EventStateChanged:
		p.snapshot = ev.StateChanged.Snapshot
		for i := range p.roster {
			if role, ok := ev.StateChanged.Roles[p.roster[i].ID]; ok {
				p.roster[i].Role = role
			}
		}
	case model.EventRoomEnded:
		p.phase = model.PhaseEnded
	}
}
