/*
feed.go - Websocket push feed

PURPOSE:
  Maintains the set of connected push subscribers and fans out two frame
  types: STREAM_UPDATE with a freshly computed calculation, and
  NOTIFICATION for human-readable events. A background loop re-broadcasts
  every stream's calculation on a short interval so clients see balances
  tick without polling.

TRANSITIONS:
  The loop remembers each stream's last status and emits a NOTIFICATION
  when one changes, e.g. an active stream hitting its end time.

SEE ALSO:
  - server.go: Upgrades connections and triggers event-driven pushes
*/
package sim

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warp/stream-engine/stream"
)

// DefaultFeedInterval is how often every stream's calculation is pushed.
const DefaultFeedInterval = 2 * time.Second

// Frame is the push envelope. Matches what the engine's channel manager
// decodes.
type Frame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Notification is a human-readable push event.
type Notification struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Feed owns the subscriber set and the periodic broadcast loop.
type Feed struct {
	store    *Store
	logger   *log.Logger
	upgrader websocket.Upgrader
	Interval time.Duration

	mu         sync.Mutex
	writeMu    sync.Mutex // gorilla allows one concurrent writer per conn
	clients    map[*websocket.Conn]struct{}
	lastStatus map[string]stream.Status
	stop       chan struct{}
	wg         sync.WaitGroup
	running    bool
}

// NewFeed builds an idle feed. Run starts the broadcast loop.
func NewFeed(store *Store, logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.Default()
	}
	return &Feed{
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		Interval:   DefaultFeedInterval,
		clients:    make(map[*websocket.Conn]struct{}),
		lastStatus: make(map[string]stream.Status),
	}
}

// Subscribe upgrades the request and registers the connection.
func (f *Feed) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Printf("[Feed] Upgrade failed: %v", err)
		return
	}

	f.mu.Lock()
	f.clients[conn] = struct{}{}
	n := len(f.clients)
	f.mu.Unlock()
	f.logger.Printf("[Feed] Subscriber connected (%d total)", n)

	// Reader goroutine: the base protocol is one-way, so reads only exist
	// to notice the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				f.drop(conn)
				return
			}
		}
	}()
}

func (f *Feed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	_, ok := f.clients[conn]
	delete(f.clients, conn)
	n := len(f.clients)
	f.mu.Unlock()

	conn.Close()
	if ok {
		f.logger.Printf("[Feed] Subscriber disconnected (%d total)", n)
	}
}

// Run starts the periodic broadcast loop. No-op when already running.
func (f *Feed) Run() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.stop = make(chan struct{})
	f.wg.Add(1)
	stop := f.stop
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.broadcastAll()
			case <-stop:
				return
			}
		}
	}()
	f.logger.Printf("[Feed] Broadcast loop started, interval %s", f.Interval)
}

// Stop halts the loop and closes every subscriber with a normal closure.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stop)
	conns := make([]*websocket.Conn, 0, len(f.clients))
	for c := range f.clients {
		conns = append(conns, c)
	}
	f.clients = make(map[*websocket.Conn]struct{})
	f.mu.Unlock()

	f.wg.Wait()
	for _, c := range conns {
		c.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"),
			time.Now().Add(time.Second),
		)
		c.Close()
	}
	f.logger.Printf("[Feed] Broadcast loop stopped")
}

func (f *Feed) broadcastAll() {
	ctx, cancel := context.WithTimeout(context.Background(), f.Interval)
	defer cancel()

	now := time.Now()
	records, err := f.store.ListStreams(ctx, now)
	if err != nil {
		f.logger.Printf("[Feed] Broadcast read failed: %v", err)
		return
	}

	for _, rec := range records {
		f.send(Frame{
			Type:      "STREAM_UPDATE",
			Data:      toCalcDTO(rec.Calc),
			Timestamp: now.UnixMilli(),
		})
		f.noticeTransition(rec, now)
	}
}

// noticeTransition emits a NOTIFICATION the first time a stream is seen in
// a new status.
func (f *Feed) noticeTransition(rec *stream.StreamRecord, now time.Time) {
	f.mu.Lock()
	prev, seen := f.lastStatus[rec.ID]
	f.lastStatus[rec.ID] = rec.Status
	f.mu.Unlock()

	if !seen || prev == rec.Status {
		return
	}
	f.PushNotification(Notification{
		Type:      "STREAM_" + string(rec.Status),
		StreamID:  rec.ID,
		Message:   "Stream " + rec.ID + " is now " + string(rec.Status),
		Timestamp: now.UnixMilli(),
	})
}

// PushStreamUpdate broadcasts one stream's current calculation immediately.
func (f *Feed) PushStreamUpdate(ctx context.Context, streamID string) {
	rec, err := f.store.GetStream(ctx, streamID, time.Now())
	if err != nil || rec == nil {
		return
	}
	f.send(Frame{
		Type:      "STREAM_UPDATE",
		Data:      toCalcDTO(rec.Calc),
		Timestamp: time.Now().UnixMilli(),
	})
}

// PushNotification broadcasts a notification frame.
func (f *Feed) PushNotification(n Notification) {
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().UnixMilli()
	}
	f.send(Frame{Type: "NOTIFICATION", Data: n, Timestamp: n.Timestamp})
}

func (f *Feed) send(frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}

	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.clients))
	for c := range f.clients {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			f.drop(c)
		}
	}
}
