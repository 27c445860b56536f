// Package ws is the production transport: the host serves one websocket
// endpoint per room and peers dial the address embedded in the ticket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/peerplay/peerplay/model"
	"github.com/peerplay/peerplay/transport"
)

const networkName = "ws"

const (
	defaultShutdownDeadline = 5 * time.Second

	defaultHandshakeTimeout  = 3 * time.Second
	defaultWriteDeadline     = 5 * time.Second
	defaultCloseWriteTimeout = 2 * time.Second

	// defaultPongWait - defaultPingInterval == how long the remote side
	// has to answer a ping
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 8 * time.Second

	acceptBacklog = 8
	frameBuffer   = 64
)

type Config struct {
	Logger *zerolog.Logger
	// ListenAddr is where Listen binds, e.g. ":0" or "0.0.0.0:7447".
	ListenAddr string
	// AdvertiseAddr overrides the address written into tickets, for hosts
	// behind port forwarding. Defaults to the bound address.
	AdvertiseAddr string
}

type Transport struct {
	logger        zerolog.Logger
	listenAddr    string
	advertiseAddr string
	dialer        *websocket.Dialer
}

func New(cfg Config) *Transport {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "ws-transport").Logger()
	}
	return &Transport{
		logger:        logger,
		listenAddr:    cfg.ListenAddr,
		advertiseAddr: cfg.AdvertiseAddr,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
		},
	}
}

func (t *Transport) Listen(ctx context.Context, roomID string) (transport.Listener, error) {
	nl, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", t.listenAddr, err)
	}

	addr := t.advertiseAddr
	if addr == "" {
		addr = nl.Addr().String()
	}

	l := &listener{
		logger: t.logger.With().Str("room", roomID).Logger(),
		room:   roomID,
		addr:   addr,
		accept: make(chan transport.Link, acceptBacklog),
		done:   make(chan struct{}),
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultHandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Get("/rooms/{roomID}/ws", l.serveWS)
	l.srv = &http.Server{Handler: r}

	go func() {
		if srvErr := l.srv.Serve(nl); !errors.Is(srvErr, http.ErrServerClosed) {
			l.logger.Error().Err(srvErr).Msg("listener serve failed")
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.done:
		}
	}()

	l.logger.Info().Str("addr", addr).Msg("room listener started")
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, ticket string) (transport.Link, error) {
	network, addr, room, err := transport.DecodeTicket(ticket)
	if err != nil {
		return nil, err
	}
	if network != networkName || addr == "" {
		return nil, transport.ErrTicketInvalid
	}

	url := fmt.Sprintf("ws://%s/rooms/%s/ws", addr, room)
	conn, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newLink(conn, t.logger.With().Str("room", room).Str("side", "dial").Logger()), nil
}

type listener struct {
	logger zerolog.Logger
	room   string
	addr   string
	accept chan transport.Link
	done   chan struct{}
	once   sync.Once
	ws     *websocket.Upgrader
	srv    *http.Server
}

func (l *listener) serveWS(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "roomID") != l.room {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	conn, err := l.ws.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	lnk := newLink(conn, l.logger.With().Str("side", "accept").Logger())
	select {
	case l.accept <- lnk:
	case <-l.done:
		_ = lnk.Close()
	}
}

func (l *listener) Accept() <-chan transport.Link { return l.accept }

func (l *listener) Ticket() string {
	return transport.EncodeTicket(networkName, l.addr, l.room)
}

func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := l.srv.Shutdown(shCtx); err != nil {
			l.logger.Error().Err(err).Msg("listener shutdown failed")
		}
		close(l.accept)
		l.logger.Debug().Msg("room listener stopped")
	})
	return nil
}

// link frames envelopes over one websocket connection with a sender and a
// receiver pump. The receiver owns closing the rx channel; a malformed or
// oversized frame fails the link rather than being skipped.
type link struct {
	logger zerolog.Logger
	conn   *websocket.Conn
	tx     chan model.Envelope
	rx     chan model.Envelope
	done   chan struct{}
	once   sync.Once
}

func newLink(conn *websocket.Conn, logger zerolog.Logger) *link {
	l := &link{
		logger: logger,
		conn:   conn,
		tx:     make(chan model.Envelope, frameBuffer),
		rx:     make(chan model.Envelope, frameBuffer),
		done:   make(chan struct{}),
	}
	go l.sender()
	go l.receiver()
	return l
}

func (l *link) Send(ctx context.Context, env model.Envelope) error {
	select {
	case <-l.done:
		return transport.ErrLinkClosed
	default:
	}
	select {
	case l.tx <- env:
		return nil
	case <-l.done:
		return transport.ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *link) Receive() <-chan model.Envelope { return l.rx }

func (l *link) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *link) sender() {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()
SendLoop:
	for {
		select {
		case <-l.done:
			break SendLoop
		case <-pingTicker.C:
			if err := l.writeControl(websocket.PingMessage); err != nil {
				l.logger.Debug().Err(err).Msg("failed to send ping")
				_ = l.Close()
				break SendLoop
			}
		case env := <-l.tx:
			if err := l.writeEnvelope(env); err != nil {
				l.logger.Debug().Err(err).Msg("failed to write frame")
				_ = l.Close()
				break SendLoop
			}
		}
	}

	// flush frames accepted before the close, then say goodbye
	for {
		select {
		case env := <-l.tx:
			if err := l.writeEnvelope(env); err != nil {
				l.closeConn()
				return
			}
		default:
			l.closeConn()
			return
		}
	}
}

func (l *link) writeEnvelope(env model.Envelope) error {
	b, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err = l.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.TextMessage, b)
}

func (l *link) writeControl(messageType int) error {
	if err := l.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return l.conn.WriteMessage(messageType, []byte{})
}

func (l *link) closeConn() {
	if err := l.conn.SetWriteDeadline(time.Now().Add(defaultCloseWriteTimeout)); err == nil {
		_ = l.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	_ = l.conn.Close()
}

func (l *link) receiver() {
	defer close(l.rx)

	l.conn.SetReadLimit(model.MaxFrameSize)
	readDeadlineFunc := func(deadline time.Duration) error {
		return l.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	l.conn.SetPongHandler(func(string) error {
		return readDeadlineFunc(defaultPongWait)
	})
	if err := readDeadlineFunc(defaultPongWait); err != nil {
		l.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		_ = l.Close()
		return
	}

RecvLoop:
	for {
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				l.logger.Debug().Msg("connection closed by remote")
			} else {
				select {
				case <-l.done:
				default:
					l.logger.Debug().Err(err).Msg("receive failed")
				}
			}
			break RecvLoop
		}

		var env model.Envelope
		if err = json.Unmarshal(msg, &env); err != nil || env.Kind == "" {
			l.logger.Error().Err(err).Msg("malformed frame, failing link")
			break RecvLoop
		}

		select {
		case l.rx <- env:
		case <-l.done:
			break RecvLoop
		}
	}
	_ = l.Close()
}
