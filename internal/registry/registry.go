// File: internal/registry/registry.go
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/iudex-br/sei-bridge/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Transport abstracts the write side of one extension connection. The
// gateway's websocket write pump implements it; tests use fakes.
type Transport interface {
	// Send enqueues a single marshaled frame. It must not block on the
	// network; implementations buffer and report overflow as an error.
	Send(payload []byte) error
	// Close tears down the underlying connection.
	Close() error
}

// Session is one live extension connection plus its activity metadata.
type Session struct {
	ID        string
	transport Transport

	mu           sync.RWMutex
	url          string
	user         string
	unit         string
	connectedAt  time.Time
	lastActivity time.Time
}

// URL returns the last reported tab URL.
func (s *Session) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url
}

// LastActivity returns the time of the last frame seen from this session.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Info returns a read-only snapshot of the session.
func (s *Session) Info() schemas.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return schemas.SessionInfo{
		SessionID:    s.ID,
		URL:          s.url,
		ConnectedAt:  s.connectedAt,
		LastActivity: s.lastActivity,
		User:         s.user,
		Unit:         s.unit,
	}
}

// Send marshals v and hands it to the session transport.
func (s *Session) Send(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.transport.Send(payload)
}

// Registry tracks connected extension sessions and picks the command
// target. All methods are safe for concurrent use.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger.Named("Registry"),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Connect registers a new session and immediately sends the "connected"
// handshake frame carrying the session id.
func (r *Registry) Connect(sessionID string, t Transport) (*Session, error) {
	now := r.now()
	s := &Session{
		ID:           sessionID,
		transport:    t,
		connectedAt:  now,
		lastActivity: now,
	}

	r.mu.Lock()
	r.sessions[sessionID] = s
	total := len(r.sessions)
	r.mu.Unlock()

	if err := s.Send(schemas.ConnectedMessage{
		Type:      schemas.MessageTypeConnected,
		SessionID: sessionID,
	}); err != nil {
		r.Disconnect(sessionID)
		return nil, err
	}

	r.logger.Info("Extension session connected.",
		zap.String("session_id", sessionID),
		zap.Int("total_sessions", total))
	return s, nil
}

// Disconnect removes a session. Unknown ids are a no-op.
func (r *Registry) Disconnect(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	total := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return
	}
	_ = s.transport.Close()
	r.logger.Info("Extension session disconnected.",
		zap.String("session_id", sessionID),
		zap.Int("total_sessions", total))
}

// Get returns the session for an id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// UpdateActivity stamps the session as alive.
func (r *Registry) UpdateActivity(sessionID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastActivity = r.now()
	s.mu.Unlock()
}

// UpdateURL records a page_changed or register URL and stamps activity.
func (r *Registry) UpdateURL(sessionID, url string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.url = url
	s.lastActivity = r.now()
	s.mu.Unlock()
}

// SetIdentity records the SEI user and unit reported by a login_detected
// event.
func (r *Registry) SetIdentity(sessionID, user, unit string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.user = user
	s.unit = unit
	s.lastActivity = r.now()
	s.mu.Unlock()
}

// IsConnected reports whether at least one session is registered.
func (r *Registry) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions) > 0
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns snapshots of all sessions, most recently active first.
func (r *Registry) List() []schemas.SessionInfo {
	r.mu.RLock()
	infos := make([]schemas.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].LastActivity.Equal(infos[j].LastActivity) {
			return infos[i].LastActivity.After(infos[j].LastActivity)
		}
		return infos[i].SessionID < infos[j].SessionID
	})
	return infos
}

// onSEIPage reports whether the URL looks like an open SEI tab.
func onSEIPage(url string) bool {
	return strings.Contains(url, "/sei/") || strings.Contains(url, "controlador.php")
}

// SelectTarget picks the session commands should be routed to. A
// non-empty explicitID wins when that session exists; otherwise sessions
// sitting on a SEI page win over those that are not, then the most
// recently active, with the session id as a deterministic tie break.
func (r *Registry) SelectTarget(explicitID string) (*Session, bool) {
	if explicitID != "" {
		return r.Get(explicitID)
	}

	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		iSEI, jSEI := onSEIPage(candidates[i].URL()), onSEIPage(candidates[j].URL())
		if iSEI != jSEI {
			return iSEI
		}
		iAct, jAct := candidates[i].LastActivity(), candidates[j].LastActivity()
		if !iAct.Equal(jAct) {
			return iAct.After(jAct)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

// SetClock overrides the registry clock. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
