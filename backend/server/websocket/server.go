package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/livecode-session/backend/model"
	"github.com/adwski/livecode-session/backend/service"
	sw "github.com/adwski/livecode-session/backend/switch"
	"github.com/adwski/livecode-session/protocol"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultRelaySessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 4 << 20
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// a client has defaultPongWait - defaultPingInterval to answer a ping
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

// Application close codes.
const (
	CloseSessionNotFound = 4004
	ClosePresenterTaken  = 4009
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RelayService interface {
		CreateRelaySession(ctx context.Context, sessionID, endpointID string, wire model.Wire) error
		DeleteRelaySession(ctx context.Context, sessionID, endpointID string) error
	}

	Config struct {
		Logger       *zerolog.Logger
		RelayService RelayService
		ListenAddr   string
	}

	Server struct {
		svc RelayService
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.RelayService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}
	return srv
}

func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws/{sessionID}", srv.relay)
	return r
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) relay(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	role := protocol.ParseRole(r.URL.Query().Get("role"))

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	endpointID := uuid.NewString()
	logger := srv.logger.With().
		Str("sessionID", sessionID).
		Str("endpointID", endpointID).
		Str("role", role.String()).
		Logger()

	ctx, cancel := context.WithCancel(context.TODO()) // long-living wire context
	wire := model.NewWire(role, cancel)

	err = srv.svc.CreateRelaySession(ctx, sessionID, endpointID, wire)
	if err != nil {
		logger.Debug().Err(err).Msg("failed to create relay session")
		cancel()
		code, reason := websocket.CloseInternalServerErr, "internal error"
		switch {
		case errors.Is(err, service.ErrGet):
			code, reason = CloseSessionNotFound, "Session not found"
		case errors.Is(err, sw.ErrPresenterTaken):
			code, reason = ClosePresenterTaken, "Presenter already connected"
		}
		sendClose(conn, code, reason, &logger)
		closeConn(conn, &logger)
		return
	}
	logger.Debug().Msg("relay session created")

	go srv.handleWSConn(ctx, cancel, conn, sessionID, endpointID, wire, &logger)
}

func (srv *Server) destroySession(sessionID, endpointID string, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRelaySessionCloseTimeout)
	defer cancel()
	if err := srv.svc.DeleteRelaySession(ctx, sessionID, endpointID); err != nil {
		logger.Error().Err(err).Msg("failed to delete relay session")
		return
	}
	logger.Debug().Msg("relay session ended")
}

// endpoint pumps frames between one websocket and its wire.
type endpoint struct {
	id     string
	conn   *websocket.Conn
	wire   model.Wire
	logger *zerolog.Logger
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	sessionID string,
	endpointID string,
	wire model.Wire,
	logger *zerolog.Logger,
) {
	ep := &endpoint{id: endpointID, conn: conn, wire: wire, logger: logger}
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		ep.receive(ctx)
		cancel()
	}()
	go func() {
		defer wg.Done()
		ep.send(ctx)
		cancel()
		// the peer's close reply unblocks receive
		sendClose(conn, websocket.CloseNormalClosure, "", logger)
	}()
	wg.Wait()

	closeConn(conn, logger)
	srv.destroySession(sessionID, endpointID, logger)
}

// send writes queued announcements and keepalive pings until ctx is done
// or a write fails.
func (ep *endpoint) send(ctx context.Context) {
	ping := time.NewTicker(defaultPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := ep.write(websocket.PingMessage, nil); err != nil {
				ep.logger.Error().Err(err).Msg("failed to send ping")
				return
			}
			ep.logger.Trace().Msg("ping sent")
		case ann, ok := <-ep.wire.TX:
			if !ok {
				return
			}
			b, err := json.Marshal(&ann.Envelope)
			if err != nil {
				ep.logger.Error().Err(err).Str("type", ann.Envelope.Type).Msg("failed to encode frame")
				continue
			}
			if err = ep.write(websocket.TextMessage, b); err != nil {
				ep.logger.Error().Err(err).Msg("failed to send frame")
				return
			}
			ep.logger.Trace().Str("type", ann.Envelope.Type).Msg("frame sent")
		}
	}
}

func (ep *endpoint) write(messageType int, b []byte) error {
	if err := ep.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	return ep.conn.WriteMessage(messageType, b)
}

// receive hands client frames to the wire until the socket fails or closes.
func (ep *endpoint) receive(ctx context.Context) {
	ep.conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	extend := func() error {
		return ep.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	}
	ep.conn.SetPongHandler(func(string) error {
		ep.logger.Trace().Msg("got pong")
		return extend()
	})
	if err := extend(); err != nil {
		ep.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for ctx.Err() == nil {
		_, b, err := ep.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ep.logger.Debug().Err(err).Msg("connection closed")
			} else {
				ep.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return
		}

		var env protocol.Envelope
		if err = json.Unmarshal(b, &env); err != nil {
			ep.logger.Error().Err(err).Msg("dropping malformed client frame")
			continue
		}
		select {
		case ep.wire.RX <- model.Inbound{SRC: ep.id, Role: ep.wire.Role, Envelope: env}:
		case <-ctx.Done():
			return
		}
	}
}

func sendClose(conn *websocket.Conn, code int, reason string, logger *zerolog.Logger) {
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		logger.Debug().Err(err).Msg("failed to send close message")
	}
}

func closeConn(conn *websocket.Conn, logger *zerolog.Logger) {
	if err := conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}
