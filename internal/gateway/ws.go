// File: internal/gateway/ws.go
package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iudex-br/sei-bridge/api/schemas"
	"github.com/iudex-br/sei-bridge/internal/registry"
)

// Timeouts and limits for the extension socket, following the gorilla
// chat example conventions.
const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 512 * 1024
	sendChannelSize = 64
)

// The extension connects from a chrome-extension:// origin, which never
// matches the Host header; origin filtering happens via token auth.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsTransport adapts a websocket connection to the registry transport.
// All writes funnel through the writePump; Send only enqueues.
type wsTransport struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	closed chan struct{}
}

var errTransportClosed = errors.New("websocket transport closed")

func newWSTransport(conn *websocket.Conn, logger *zap.Logger) *wsTransport {
	return &wsTransport{
		conn:   conn,
		send:   make(chan []byte, sendChannelSize),
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Send enqueues a frame for the writePump. A full buffer means the
// extension stopped draining; the frame is rejected so the caller can
// fail over.
func (t *wsTransport) Send(data []byte) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}

	select {
	case t.send <- data:
		return nil
	default:
		t.logger.Warn("Extension send buffer full, dropping frame.")
		return errors.New("send buffer full")
	}
}

// Close stops the writePump and tears down the connection.
func (t *wsTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}
	return t.conn.Close()
}

// writePump centralizes all writes to the socket and keeps it alive
// with periodic pings. Runs until Close or a write failure.
func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case data := <-t.send:
			if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Debug("Websocket write failed.", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.closed:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// handleExtensionSocket serves GET /ws/mcp: authenticate, upgrade,
// register the session and pump messages until the extension leaves.
func (s *Server) handleExtensionSocket(w http.ResponseWriter, r *http.Request) {
	if s.validator != nil {
		token := extractToken(r)
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, err := s.validator.Validate(r.Context(), token); err != nil {
			s.logger.Warn("Extension auth rejected.", zap.String("remote", r.RemoteAddr))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Websocket upgrade failed.", zap.Error(err))
		return
	}

	// A reconnecting extension may ask for its previous session id so
	// routing affinity survives the reconnect.
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = "ext-" + uuid.NewString()[:8]
	}
	logger := s.logger.Named("ws").With(zap.String("session_id", sessionID))

	transport := newWSTransport(conn, logger)
	session, err := s.registry.Connect(sessionID, transport)
	if err != nil {
		logger.Error("Session registration failed.", zap.Error(err))
		conn.Close()
		return
	}

	logger.Info("Extension connected.", zap.String("remote", r.RemoteAddr))

	go transport.writePump()
	s.readPump(session, transport, logger)

	s.registry.Disconnect(sessionID)
	logger.Info("Extension disconnected.")
}

// readPump processes incoming frames until the socket closes.
func (s *Server) readPump(session *registry.Session, transport *wsTransport, logger *zap.Logger) {
	conn := transport.conn
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Websocket closed unexpectedly.", zap.Error(err))
			}
			return
		}

		var env schemas.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Debug("Discarding malformed frame.", zap.Error(err))
			continue
		}

		s.registry.UpdateActivity(session.ID)

		switch env.Type {
		case schemas.MessageTypeRegister:
			var msg schemas.RegisterMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.URL != "" {
				s.registry.UpdateURL(session.ID, msg.URL)
			}

		case schemas.MessageTypeEvent:
			var msg schemas.EventMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			s.handleExtensionEvent(session.ID, msg, logger)

		case schemas.MessageTypeResponse:
			var msg schemas.ResponseMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			s.dispatcher.Resolve(msg)

		case schemas.MessageTypePing:
			if err := session.Send(schemas.PongMessage{Type: schemas.MessageTypePong}); err != nil {
				return
			}

		default:
			logger.Debug("Unknown frame type.", zap.String("type", env.Type))
		}
	}
}

func (s *Server) handleExtensionEvent(sessionID string, msg schemas.EventMessage, logger *zap.Logger) {
	if msg.URL != "" {
		s.registry.UpdateURL(sessionID, msg.URL)
	}

	switch msg.Event {
	case schemas.EventLoginDetected:
		user, _ := msg.Data["user"].(string)
		unit, _ := msg.Data["unit"].(string)
		s.registry.SetIdentity(sessionID, user, unit)
		logger.Info("Login detected.", zap.String("user", user), zap.String("unit", unit))

	case schemas.EventPageChanged:
		logger.Debug("Page changed.", zap.String("url", msg.URL))

	default:
		logger.Debug("Unhandled event.", zap.String("event", msg.Event))
	}
}

// handleExtensionStatus serves GET /ws/mcp/status for the popup UI.
func (s *Server) handleExtensionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected":     s.registry.IsConnected(),
		"session_count": s.registry.Count(),
		"sessions":      s.registry.List(),
	})
}

// extractToken pulls the extension token from the query string or the
// Authorization header.
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}
