package conversation

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/course-advisor/backend/internal/metrics"
	"github.com/course-advisor/backend/pkg/logger"
)

var ErrSessionNotFound = errors.New("session not found")

// Manager owns the live sessions. A session idle for longer than the TTL is
// dropped.
type Manager struct {
	pipeline *Pipeline
	sessions *cache.Cache
}

func NewManager(p *Pipeline, idleTTL, cleanupInterval time.Duration) *Manager {
	m := &Manager{
		pipeline: p,
		sessions: cache.New(idleTTL, cleanupInterval),
	}
	m.sessions.OnEvicted(func(id string, _ interface{}) {
		logger.Debug("Session evicted", zap.String("session_id", id))
		metrics.ActiveSessions.Set(float64(m.sessions.ItemCount()))
	})
	return m
}

func (m *Manager) Create() *Session {
	s := NewSession(uuid.New().String(), m.pipeline)
	m.sessions.Set(s.ID(), s, cache.DefaultExpiration)
	metrics.ActiveSessions.Set(float64(m.sessions.ItemCount()))

	logger.Info("Session created", zap.String("session_id", s.ID()))
	return s
}

// Get returns the session and pushes its expiry back.
func (m *Manager) Get(id string) (*Session, error) {
	x, found := m.sessions.Get(id)
	if !found {
		return nil, ErrSessionNotFound
	}
	s := x.(*Session)
	m.sessions.Set(id, s, cache.DefaultExpiration)
	return s, nil
}

func (m *Manager) Delete(id string) error {
	if _, found := m.sessions.Get(id); !found {
		return ErrSessionNotFound
	}
	m.sessions.Delete(id)
	return nil
}

func (m *Manager) Count() int {
	return m.sessions.ItemCount()
}
