/*
conn.go - Push channel manager

PURPOSE:
  Owns the single persistent websocket per active session: nobody else may
  close or replace the socket. Reconnection is an explicit state machine,
  not a pile of booleans:

    IDLE -> CONNECTING -> (OPEN | CLOSED)
    OPEN -> CLOSED on any disconnect
    CLOSED -> CONNECTING only if the close was not intentional and
              attempts < max

BACKOFF:
  Open refuses to dial until min(base * 2^attempts, cap) has passed since
  the last attempt, and stamps the attempt before dialing, so a storm of
  Open calls collapses into one attempt per window. A successful open
  resets the attempt counter.

FRAMES:
  STREAM_UPDATE carries a partial calculation keyed by stream id; it is
  handed to the store which drops anything older than what it already has.
  NOTIFICATION is forwarded to the registered listener and never touches
  the store. Malformed frames are logged and dropped; stale data is safer
  than a crash.

SEE ALSO:
  - engine.go: Wires the callbacks and the reconciler hand-off
*/
package engine

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warp/stream-engine/backend"
	"github.com/warp/stream-engine/stream"
)

// ConnState is a snapshot of the channel's lifecycle state.
type ConnState struct {
	IsConnected  bool
	IsConnecting bool
	Attempts     int
	LastAttempt  time.Time
	LastError    error
}

// Frame is the wire envelope pushed by the server. The client sends nothing
// in the base protocol.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

const (
	frameStreamUpdate = "STREAM_UPDATE"
	frameNotification = "NOTIFICATION"
)

// Notification is a human-readable event forwarded to the listener.
type Notification struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ChannelManager maintains at most one open push connection per session.
type ChannelManager struct {
	cfg    Config
	logger *log.Logger
	dialer *websocket.Dialer

	urlFn         func() string // evaluated per attempt so the token stays fresh
	sessionActive func() bool
	onCalc        func(stream.Calculation)
	onNotice      func(Notification)
	onStateChange func(connected bool)

	mu        sync.Mutex
	state     ConnState
	conn      *websocket.Conn
	closed    bool // intentional close; suppresses reconnection
	reconnect *time.Timer
	now       func() time.Time
}

func newChannelManager(cfg Config, urlFn func() string, sessionActive func() bool) *ChannelManager {
	return &ChannelManager{
		cfg:    cfg,
		logger: cfg.logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		urlFn:  urlFn,
		sessionActive: sessionActive,
		now:           time.Now,
	}
}

// State returns a snapshot of the connection state.
func (m *ChannelManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// reset re-arms the manager for a fresh session.
func (m *ChannelManager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
	m.state = ConnState{}
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// backoffDelay is the minimum wait before attempt n+1 given n prior
// attempts.
func (m *ChannelManager) backoffDelay(attempts int) time.Duration {
	d := m.cfg.ReconnectBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= m.cfg.ReconnectCap {
			return m.cfg.ReconnectCap
		}
	}
	if d > m.cfg.ReconnectCap {
		d = m.cfg.ReconnectCap
	}
	return d
}

// Open starts a connection attempt. It silently returns when a connection is
// open or in flight, when the manager was intentionally closed, or when the
// backoff window since the last attempt has not elapsed.
func (m *ChannelManager) Open() {
	m.mu.Lock()
	if m.closed || m.conn != nil || m.state.IsConnecting {
		m.mu.Unlock()
		return
	}
	if wait := m.backoffDelay(m.state.Attempts); !m.state.LastAttempt.IsZero() && m.now().Sub(m.state.LastAttempt) < wait {
		m.logger.Printf("[PushChannel] Connect attempt rate limited, %s until next window", wait-m.now().Sub(m.state.LastAttempt))
		m.mu.Unlock()
		return
	}

	// Stamp the attempt before dialing so concurrent callers cannot bypass
	// the gate.
	m.state.LastAttempt = m.now()
	m.state.Attempts++
	m.state.IsConnecting = true
	url := m.urlFn()
	m.mu.Unlock()

	go m.dial(url)
}

func (m *ChannelManager) dial(url string) {
	conn, _, err := m.dialer.Dial(url, nil)

	m.mu.Lock()
	m.state.IsConnecting = false
	if m.closed {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.state.LastError = err
		m.logger.Printf("[PushChannel] Connect failed (attempt %d/%d): %v", m.state.Attempts, m.cfg.MaxReconnectAttempts, err)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.state.IsConnected = true
	m.state.Attempts = 0
	m.state.LastError = nil
	m.mu.Unlock()

	m.logger.Printf("[PushChannel] Connected")
	if m.onStateChange != nil {
		m.onStateChange(true)
	}
	go m.readLoop(conn)
}

func (m *ChannelManager) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, err)
			return
		}
		m.handleMessage(raw)
	}
}

func (m *ChannelManager) handleMessage(raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		m.logger.Printf("[PushChannel] Dropping malformed frame: %v", err)
		return
	}

	switch frame.Type {
	case frameStreamUpdate:
		var dto backend.CalculationDTO
		if err := json.Unmarshal(frame.Data, &dto); err != nil {
			m.logger.Printf("[PushChannel] Dropping malformed update: %v", err)
			return
		}
		calc, err := dto.ToCalculation()
		if err != nil {
			m.logger.Printf("[PushChannel] Dropping update for %s: %v", dto.StreamID, err)
			return
		}
		if m.onCalc != nil {
			m.onCalc(calc)
		}
	case frameNotification:
		var n Notification
		if err := json.Unmarshal(frame.Data, &n); err != nil {
			m.logger.Printf("[PushChannel] Dropping malformed notification: %v", err)
			return
		}
		if n.Timestamp == 0 {
			n.Timestamp = frame.Timestamp
		}
		if m.onNotice != nil {
			m.onNotice(n)
		}
	default:
		m.logger.Printf("[PushChannel] Ignoring frame type %q", frame.Type)
	}
}

// handleClose runs when the read loop dies, for any reason. An intentional
// Close already detached the conn, so a stale read loop exits quietly.
func (m *ChannelManager) handleClose(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state.IsConnected = false
	intentional := m.closed
	if !intentional {
		m.state.LastError = err
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	conn.Close()
	m.logger.Printf("[PushChannel] Disconnected: %v", err)
	if m.onStateChange != nil {
		m.onStateChange(false)
	}
}

// scheduleReconnectLocked arms exactly one reconnection attempt after the
// current backoff delay. Callers hold m.mu.
func (m *ChannelManager) scheduleReconnectLocked() {
	if m.state.Attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Printf("[PushChannel] Max reconnection attempts reached, staying closed")
		return
	}
	delay := m.backoffDelay(m.state.Attempts)
	m.logger.Printf("[PushChannel] Reconnecting in %s (attempt %d/%d)", delay, m.state.Attempts+1, m.cfg.MaxReconnectAttempts)

	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	m.reconnect = time.AfterFunc(delay, func() {
		if m.sessionActive == nil || m.sessionActive() {
			m.Open()
		}
	})
}

// Close shuts the channel intentionally: the server sees a normal closure
// and no reconnection is scheduled.
func (m *ChannelManager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	conn := m.conn
	m.conn = nil
	wasConnected := m.state.IsConnected
	m.state.IsConnected = false
	m.state.IsConnecting = false
	m.mu.Unlock()

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
	if wasConnected && m.onStateChange != nil {
		m.onStateChange(false)
	}
}
