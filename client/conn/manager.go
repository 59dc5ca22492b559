package conn

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/livecode-session/client/codec"
	"github.com/adwski/livecode-session/protocol"
)

const (
	DefaultReconnectDelay = 3 * time.Second

	defaultEventBuffer        = 64
	defaultMaxFrameSize       = 4 << 20
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
)

var ErrBadRelayURL = errors.New("bad relay url")

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type EventKind int

const (
	EventOpen EventKind = iota
	EventFrame
	EventError
	EventClosed
)

// Event is what the manager reports about its connection.
// Events of a manager are delivered in the order they happened.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

type (
	Dialer interface {
		DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
	}

	Timer interface {
		Stop() bool
	}

	// Scheduler runs f once after d.
	Scheduler func(d time.Duration, f func()) Timer

	Config struct {
		Logger *zerolog.Logger

		// RelayURL is the relay base, e.g. ws://localhost:8888.
		RelayURL string

		// Optional.
		Dialer         Dialer
		ReconnectDelay time.Duration
		Scheduler      Scheduler
	}

	// Manager owns one relay connection for a (session, role) pair and keeps
	// it alive by reconnecting after a fixed delay until Close is called.
	Manager struct {
		logger   zerolog.Logger
		dialer   Dialer
		base     *url.URL
		delay    time.Duration
		schedule Scheduler
		events   chan Event

		ctx    context.Context
		cancel context.CancelFunc

		mx        *sync.Mutex
		state     State
		sessionID string
		role      protocol.Role
		conn      *websocket.Conn
		timer     Timer
		torn      bool

		writeMx *sync.Mutex
	}
)

func AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func NewManager(cfg Config) (*Manager, error) {
	base, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return nil, errors.Join(ErrBadRelayURL, err)
	}
	if base.Scheme != "ws" && base.Scheme != "wss" {
		return nil, errors.Join(ErrBadRelayURL, errors.New("scheme must be ws or wss"))
	}

	m := &Manager{
		logger:   cfg.Logger.With().Str("component", "connection-manager").Logger(),
		dialer:   cfg.Dialer,
		base:     base,
		delay:    cfg.ReconnectDelay,
		schedule: cfg.Scheduler,
		events:   make(chan Event, defaultEventBuffer),
		mx:       &sync.Mutex{},
		writeMx:  &sync.Mutex{},
	}
	if m.dialer == nil {
		m.dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	}
	if m.delay <= 0 {
		m.delay = DefaultReconnectDelay
	}
	if m.schedule == nil {
		m.schedule = AfterFunc
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Events returns the ordered stream of connection events.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) State() State {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state
}

// Target returns the relay address for a session and role.
func (m *Manager) Target(sessionID string, role protocol.Role) string {
	u := m.base.JoinPath("ws", url.PathEscape(sessionID))
	u.RawQuery = url.Values{"role": {role.String()}}.Encode()
	return u.String()
}

// Connect starts a connection attempt and returns immediately.
// It does nothing after Close.
func (m *Manager) Connect(sessionID string, role protocol.Role) {
	m.mx.Lock()
	if m.torn {
		m.mx.Unlock()
		m.logger.Debug().Str("sessionID", sessionID).Msg("connect after close is ignored")
		return
	}
	m.sessionID = sessionID
	m.role = role
	m.timer = nil
	m.state = StateConnecting
	m.mx.Unlock()

	go m.run(m.Target(sessionID, role))
}

// Send writes the intent if the connection is open and drops it otherwise.
// It reports whether the frame was handed to the transport.
func (m *Manager) Send(intent protocol.Intent) bool {
	m.mx.Lock()
	c, st := m.conn, m.state
	m.mx.Unlock()

	if st != StateOpen || c == nil {
		m.logger.Trace().
			Str("type", protocol.IntentType(intent)).
			Str("state", st.String()).
			Msg("not connected, message dropped")
		return false
	}

	b, err := codec.Encode(intent)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to encode outgoing message")
		return false
	}

	m.writeMx.Lock()
	defer m.writeMx.Unlock()
	if err = c.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		m.logger.Error().Err(err).Msg("failed to set websocket write deadline")
		return false
	}
	if err = c.WriteMessage(websocket.TextMessage, b); err != nil {
		m.logger.Error().Err(err).Msg("failed to write outgoing message")
		return false
	}
	return true
}

// Close cancels a pending reconnect, aborts an in-flight dial and closes
// the live connection. No connection attempt happens afterwards.
func (m *Manager) Close() {
	m.mx.Lock()
	if m.torn {
		m.mx.Unlock()
		return
	}
	m.torn = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	c := m.conn
	m.conn = nil
	m.state = StateClosed
	m.mx.Unlock()

	m.cancel()
	if c != nil {
		m.writeMx.Lock()
		webSocketCloser(c, &m.logger)
		m.writeMx.Unlock()
	}
	m.logger.Debug().Msg("connection manager closed")
}

func (m *Manager) run(target string) {
	logger := m.logger.With().Str("target", target).Logger()
	logger.Debug().Msg("connecting")

	c, _, err := m.dialer.DialContext(m.ctx, target, nil)
	if err != nil {
		logger.Error().Err(err).Msg("dial failed")
		m.emit(Event{Kind: EventError, Err: err})
		m.closed(&logger)
		return
	}

	m.mx.Lock()
	if m.torn {
		m.mx.Unlock()
		_ = c.Close()
		return
	}
	m.conn = c
	m.state = StateOpen
	m.mx.Unlock()

	logger.Debug().Msg("connected")
	m.emit(Event{Kind: EventOpen})

	c.SetReadLimit(defaultMaxFrameSize)
	for {
		mt, data, wsErr := c.ReadMessage()
		if wsErr != nil {
			if websocket.IsCloseError(wsErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				logger.Debug().Err(wsErr).Msg("connection closed")
			} else {
				logger.Error().Err(wsErr).Msg("unexpected error during receive")
				m.emit(Event{Kind: EventError, Err: wsErr})
			}
			break
		}
		if mt != websocket.TextMessage {
			logger.Trace().Int("messageType", mt).Msg("non-text frame skipped")
			continue
		}
		m.emit(Event{Kind: EventFrame, Data: data})
	}
	_ = c.Close()
	m.closed(&logger)
}

// closed moves the manager to closed and schedules exactly one reconnect.
func (m *Manager) closed(logger *zerolog.Logger) {
	m.mx.Lock()
	m.conn = nil
	m.state = StateClosed
	if m.torn {
		m.mx.Unlock()
		return
	}
	m.mx.Unlock()

	m.emit(Event{Kind: EventClosed})

	m.mx.Lock()
	defer m.mx.Unlock()
	if m.torn {
		return
	}
	sessionID, role := m.sessionID, m.role
	m.timer = m.schedule(m.delay, func() {
		m.logger.Debug().Str("sessionID", sessionID).Msg("attempting to reconnect")
		m.Connect(sessionID, role)
	})
	logger.Debug().Dur("delay", m.delay).Msg("reconnect scheduled")
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to send close message")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
