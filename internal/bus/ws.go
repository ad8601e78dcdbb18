package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kewlzin/lokiproxy/internal/rules"
)

// WSBridge fans a Bus out over websocket connections: every published Event
// is broadcast as a JSON frame to all connected observers, and every JSON
// command frame received from any observer is pushed onto the Bus's command
// queue. The connection bookkeeping (a mutex-guarded client set, ping
// ticker, per-client write pump) follows the hub pattern this package's
// teacher uses for its flow-update websocket.
type WSBridge struct {
	bus    *Bus
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalOrigin(origin)
	},
}

func isLocalOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// NewWSBridge returns a bridge over b. Run must be started in its own
// goroutine to begin forwarding events.
func NewWSBridge(b *Bus, logger *slog.Logger) *WSBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSBridge{bus: b, logger: logger, clients: make(map[*wsClient]struct{})}
}

// Run drains the Bus's event queue and broadcasts each event to every
// connected client until ctx is done.
func (br *WSBridge) Run(ctx context.Context) {
	for {
		ev, ok := br.bus.NextEvent(ctx)
		if !ok {
			return
		}
		br.broadcast(eventFrame(ev))
	}
}

func (br *WSBridge) broadcast(frame []byte) {
	br.mu.RLock()
	defer br.mu.RUnlock()
	for c := range br.clients {
		select {
		case c.send <- frame:
		default:
			br.logger.Warn("websocket client send buffer full, dropping frame")
		}
	}
}

// Handler upgrades incoming requests to websocket connections that receive
// broadcast events and may send command frames back.
func (br *WSBridge) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !isLocalOrigin(origin) {
			http.Error(w, "Forbidden: non-local origin", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			br.logger.Error("websocket upgrade failed", "error", err)
			return
		}

		client := &wsClient{conn: conn, send: make(chan []byte, 64)}
		br.mu.Lock()
		br.clients[client] = struct{}{}
		br.mu.Unlock()

		go br.writePump(client)
		br.readPump(client)
	}
}

func (br *WSBridge) writePump(c *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (br *WSBridge) readPump(c *wsClient) {
	defer func() {
		br.mu.Lock()
		if _, ok := br.clients[c]; ok {
			delete(br.clients, c)
			close(c.send)
		}
		br.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				br.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		cmd, err := decodeCommand(data)
		if err != nil {
			br.logger.Warn("ignoring malformed command frame", "error", err)
			continue
		}
		br.bus.SendCommand(cmd)
	}
}

// wireEvent/wireCommand are the JSON envelopes exchanged over the websocket;
// the in-process Event/Command types stay Go-native discriminated unions and
// are only marshaled at this boundary.
type wireEvent struct {
	Type  string `json:"type"`
	ID    int64  `json:"id,omitempty"`
	Where string `json:"where,omitempty"`
	Msg   string `json:"msg,omitempty"`
}

func eventFrame(ev Event) []byte {
	var w wireEvent
	switch e := ev.(type) {
	case FlowCreated:
		w = wireEvent{Type: "flow_created", ID: e.ID}
	case FlowUpdated:
		w = wireEvent{Type: "flow_updated", ID: e.ID}
	case FlowFinished:
		w = wireEvent{Type: "flow_finished", ID: e.ID}
	case FlowPaused:
		w = wireEvent{Type: "flow_paused", ID: e.ID, Where: e.Where}
	case LogMessage:
		w = wireEvent{Type: "log", Msg: e.Msg}
	}
	data, _ := json.Marshal(w)
	return data
}

type wireCommand struct {
	Type    string          `json:"type"`
	On      bool            `json:"on,omitempty"`
	FlowID  int64           `json:"flow_id,omitempty"`
	Ruleset json.RawMessage `json:"ruleset,omitempty"`
}

func decodeCommand(data []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case "set_intercept":
		return SetIntercept{On: w.On}, nil
	case "forward":
		return Forward{FlowID: w.FlowID}, nil
	case "drop":
		return Drop{FlowID: w.FlowID}, nil
	case "repeat":
		return Repeat{FlowID: w.FlowID}, nil
	case "apply_rules":
		rs := rules.Ruleset{}
		if len(w.Ruleset) > 0 {
			// A JSON ruleset object is also valid YAML flow syntax, so it is
			// decoded through the same strict, yaml-tagged path used for the
			// on-disk rules document — this is what gives the JSON command
			// path the same "unknown fields rejected" and "url_regex must
			// compile" ingest guarantees as LoadYAML (spec §6, §7).
			parsed, err := rules.LoadYAML(bytes.NewReader(w.Ruleset))
			if err != nil {
				return nil, fmt.Errorf("decoding ruleset: %w", err)
			}
			rs = parsed
		}
		return ApplyRules{Ruleset: rs}, nil
	default:
		return nil, &unknownCommandError{w.Type}
	}
}

type unknownCommandError struct{ typ string }

func (e *unknownCommandError) Error() string { return "unknown command type: " + e.typ }
