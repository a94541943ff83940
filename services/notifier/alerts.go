package notifier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"track-resolver-go/circuitbreaker"
	"track-resolver-go/logcolors"

	log "github.com/sirupsen/logrus"
)

// DefaultAlertCooldown is the minimum gap between alerts of one type
const DefaultAlertCooldown = 15 * time.Minute

// EventType identifies what happened
type EventType string

const (
	EventCircuitBreakerOpen      EventType = "circuit_breaker_open"
	EventCircuitBreakerRecovered EventType = "circuit_breaker_recovered"
	EventCacheBackupFailed       EventType = "cache_backup_failed"
	EventCacheCleared            EventType = "cache_cleared"
)

// Event is one alertable occurrence
type Event struct {
	Type      EventType
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NewEvent creates an event stamped with the current time
func NewEvent(eventType EventType, message string) *Event {
	return &Event{
		Type:      eventType,
		Message:   message,
		Data:      make(map[string]interface{}),
		Timestamp: time.Now(),
	}
}

// WithData adds a detail line (chainable)
func (e *Event) WithData(key string, value interface{}) *Event {
	e.Data[key] = value
	return e
}

// AlertConfig holds configuration for the alert handler
type AlertConfig struct {
	Notifiers []Notifier
	Cooldown  time.Duration
	Timeout   time.Duration // per delivery
}

// AlertHandler fans events out to notifiers, at most once per cooldown per
// event type. Delivery runs in the background; Wait blocks until it is done.
type AlertHandler struct {
	notifiers []Notifier
	cooldown  time.Duration
	timeout   time.Duration
	cooldowns map[EventType]time.Time
	now       func() time.Time
	mu        sync.Mutex
	wg        sync.WaitGroup
}

// NewAlertHandler creates an alert handler. With no notifiers every event is
// only logged.
func NewAlertHandler(cfg AlertConfig) *AlertHandler {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultAlertCooldown
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &AlertHandler{
		notifiers: cfg.Notifiers,
		cooldown:  cfg.Cooldown,
		timeout:   cfg.Timeout,
		cooldowns: make(map[EventType]time.Time),
		now:       time.Now,
	}
}

// Enabled reports whether any notifier is configured
func (h *AlertHandler) Enabled() bool {
	return h != nil && len(h.notifiers) > 0
}

// Publish sends the event unless its type is cooling down. Safe on a nil
// handler.
func (h *AlertHandler) Publish(event *Event) {
	if h == nil {
		return
	}
	if !h.shouldAlert(event.Type) {
		log.Debugf("%s Skipping alert for %s (cooldown active)", logcolors.LogNotifier, event.Type)
		return
	}
	subject, message := formatAlert(event)
	if len(h.notifiers) == 0 {
		log.Warnf("%s No notifiers configured, skipping alert: %s", logcolors.LogNotifier, subject)
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.send(subject, message)
	}()
}

// Wait blocks until in-flight deliveries finish
func (h *AlertHandler) Wait() {
	if h != nil {
		h.wg.Wait()
	}
}

// ResetCooldown lets the next event of this type through
func (h *AlertHandler) ResetCooldown(eventType EventType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cooldowns, eventType)
}

func (h *AlertHandler) shouldAlert(eventType EventType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	last, ok := h.cooldowns[eventType]
	if ok && now.Sub(last) < h.cooldown {
		return false
	}
	h.cooldowns[eventType] = now
	return true
}

func (h *AlertHandler) send(subject, message string) {
	log.Infof("%s Sending alert: %s", logcolors.LogNotifier, subject)

	sent := 0
	for _, n := range h.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		err := n.Send(ctx, subject, message)
		cancel()
		if err != nil {
			log.Errorf("%s Failed to send alert via %s: %v", logcolors.LogNotifier, n.Name(), err)
			continue
		}
		sent++
	}
	if sent > 0 {
		log.Infof("%s Alert sent via %d/%d notifiers", logcolors.LogNotifier, sent, len(h.notifiers))
	}
}

func formatAlert(event *Event) (subject, message string) {
	switch event.Type {
	case EventCircuitBreakerOpen:
		subject = "🔴 CRITICAL: Catalog circuit breaker open"
	case EventCircuitBreakerRecovered:
		subject = "✅ Catalog circuit breaker recovered"
	case EventCacheBackupFailed:
		subject = "⚠️ Cache backup failed"
	case EventCacheCleared:
		subject = "ℹ️ Resolution cache cleared"
	default:
		subject = string(event.Type)
	}

	var b strings.Builder
	b.WriteString(event.Message)
	if len(event.Data) > 0 {
		b.WriteString("\n")
		keys := make([]string, 0, len(event.Data))
		for k := range event.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %v", k, event.Data[k])
		}
	}
	fmt.Fprintf(&b, "\n\nTime: %s", event.Timestamp.UTC().Format(time.RFC3339))
	return subject, b.String()
}

// BreakerHook returns a state change hook that logs every transition and
// alerts when the breaker opens or closes again
func (h *AlertHandler) BreakerHook(cooldown time.Duration) circuitbreaker.StateChangeFunc {
	return func(name string, from, to circuitbreaker.State) {
		log.Warnf("%s %s -> %s", logcolors.CircuitBreakerPrefix(name), from, to)
		switch {
		case to == circuitbreaker.StateOpen:
			h.Publish(NewEvent(EventCircuitBreakerOpen, "Catalog searches are failing and requests are short-circuited").
				WithData("breaker", name).
				WithData("retry_in", cooldown.String()))
		case to == circuitbreaker.StateClosed && from != circuitbreaker.StateClosed:
			h.Publish(NewEvent(EventCircuitBreakerRecovered, "Catalog searches are succeeding again").
				WithData("breaker", name))
		}
	}
}
