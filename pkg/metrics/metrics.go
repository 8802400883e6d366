// Package metrics собирает Prometheus метрики жизненного цикла звонков.
//
// Все методы Collector безопасны для nil-получателя: компоненты, которым
// метрики не переданы, просто ничего не записывают.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config конфигурация сборщика
type Config struct {
	Namespace string
	Subsystem string
	// Registry реестр Prometheus; nil означает новый приватный реестр
	Registry *prometheus.Registry
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Namespace: "callbridge",
		Subsystem: "call",
	}
}

// Collector сборщик метрик звонков
type Collector struct {
	registry *prometheus.Registry

	sessionsTotal    *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	sessionDuration  prometheus.Histogram
	terminalTotal    *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	admissions       *prometheus.CounterVec
	commands         *prometheus.CounterVec
	events           *prometheus.CounterVec

	startTimes sync.Map // call id -> time.Time
}

// New создает сборщик и регистрирует метрики в реестре из конфигурации
func New(cfg Config) *Collector {
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &Collector{
		registry: reg,
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "sessions_total",
			Help:      "Total number of call sessions created",
		}, []string{"direction"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "sessions_active",
			Help:      "Number of call sessions not yet terminated",
		}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of call sessions in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
		}),
		terminalTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "terminal_events_total",
			Help:      "Terminal events by type",
		}, []string{"event"}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "state_transitions_total",
			Help:      "Call session state transitions",
		}, []string{"from_state", "to_state"}),
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "admissions_total",
			Help:      "Admission decisions by direction and result",
		}, []string{"direction", "result"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "commands_total",
			Help:      "Bridge commands by name and result",
		}, []string{"command", "result"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "events_total",
			Help:      "Canonical events emitted by type",
		}, []string{"type"}),
	}
}

// Registry реестр, в котором зарегистрированы метрики
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler HTTP обработчик для /metrics
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SessionStarted фиксирует создание сессии
func (c *Collector) SessionStarted(callID, direction string) {
	if c == nil {
		return
	}
	c.sessionsTotal.WithLabelValues(direction).Inc()
	c.sessionsActive.Inc()
	c.startTimes.Store(callID, time.Now())
}

// SessionRekeyed переносит время старта на авторитетный идентификатор
func (c *Collector) SessionRekeyed(oldID, newID string) {
	if c == nil {
		return
	}
	if v, ok := c.startTimes.LoadAndDelete(oldID); ok {
		c.startTimes.Store(newID, v)
	}
}

// SessionTerminated фиксирует терминальное событие сессии
func (c *Collector) SessionTerminated(callID, event string) {
	if c == nil {
		return
	}
	c.terminalTotal.WithLabelValues(event).Inc()
	c.sessionsActive.Dec()
	if v, ok := c.startTimes.LoadAndDelete(callID); ok {
		c.sessionDuration.Observe(time.Since(v.(time.Time)).Seconds())
	}
}

// SessionDiscarded фиксирует сессию, снятую без терминального события
func (c *Collector) SessionDiscarded(callID string) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	c.startTimes.Delete(callID)
}

// StateTransition фиксирует переход состояния
func (c *Collector) StateTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// Admission фиксирует решение о допуске
func (c *Collector) Admission(direction, result string) {
	if c == nil {
		return
	}
	c.admissions.WithLabelValues(direction, result).Inc()
}

// Command фиксирует результат команды
func (c *Collector) Command(name, result string) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(name, result).Inc()
}

// Event фиксирует отправленное событие
func (c *Collector) Event(eventType string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(eventType).Inc()
}
