// registry.go — реестр активных портальных сессий.
// Обёртка над hashicorp/golang-lru/v2/expirable: сессии живут не дольше
// PM_SESSION_TTL, вытеснение (по TTL или ёмкости) закрывает сессию и
// останавливает её poller — teardown гарантирован на каждом пути выхода.
package service

import (
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики реестра сессий.
var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pm_active_sessions",
		Help: "Текущее количество активных портальных сессий.",
	})
	sessionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_sessions_opened_total",
		Help: "Общее количество открытых портальных сессий.",
	})
	sessionsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_sessions_evicted_total",
		Help: "Количество сессий, вытесненных из реестра (TTL или ёмкость).",
	})
)

// SessionRegistry — реестр активных сессий по идентификатору.
// Каждый экземпляр Portal Module держит собственный in-memory реестр
// (per-instance, сессии не переживают рестарт).
type SessionRegistry struct {
	cache  *expirable.LRU[string, *PortalSession]
	logger *slog.Logger
}

// NewSessionRegistry создаёт реестр с ограничением ёмкости и TTL.
func NewSessionRegistry(maxSize int, ttl time.Duration, logger *slog.Logger) *SessionRegistry {
	r := &SessionRegistry{
		logger: logger.With(slog.String("component", "session_registry")),
	}

	onEvict := func(id string, sess *PortalSession) {
		// Закрытие останавливает poller; идемпотентно
		sess.Close()
		sessionsEvictedTotal.Inc()
		r.logger.Debug("Сессия вытеснена из реестра",
			slog.String("session_id", id),
		)
	}

	r.cache = expirable.NewLRU[string, *PortalSession](maxSize, onEvict, ttl)
	return r
}

// Add регистрирует сессию.
func (r *SessionRegistry) Add(sess *PortalSession) {
	r.cache.Add(sess.ID, sess)
	sessionsOpenedTotal.Inc()
	activeSessions.Set(float64(r.cache.Len()))
}

// Get возвращает сессию по идентификатору.
func (r *SessionRegistry) Get(id string) (*PortalSession, bool) {
	return r.cache.Get(id)
}

// Remove удаляет сессию (явное закрытие — навигация прочь от портала).
// Eviction callback закрывает сессию.
func (r *SessionRegistry) Remove(id string) {
	r.cache.Remove(id)
	activeSessions.Set(float64(r.cache.Len()))
}

// Len возвращает количество активных сессий.
func (r *SessionRegistry) Len() int {
	return r.cache.Len()
}

// Shutdown закрывает все сессии (graceful shutdown сервиса).
func (r *SessionRegistry) Shutdown() {
	r.cache.Purge()
	activeSessions.Set(0)
	r.logger.Info("Все портальные сессии закрыты")
}
