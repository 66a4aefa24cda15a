package notify

import (
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
)

// Sink is the core's only outbound dependency on the Telegram/dashboard
// notification layer, deliberately left as an interface since the channel
// itself is out of scope for this module.
type Sink interface {
	Notify(userID uint64, message string) error
}

// LogSink is a Sink that only logs, useful as a default when no real sink
// is wired (tests, local runs).
type LogSink struct {
	log *logger.Entry
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.WithField("component", "notify")}
}

func (s *LogSink) Notify(userID uint64, message string) error {
	s.log.WithField("user_id", userID).Info(message)
	return nil
}

// ThrottledSink wraps a Sink and collapses repeated "insufficient balance"
// notifications for the same user and symbol into at most one per window,
// keeping only the time of the last notification sent per key; suppressed
// notifications are dropped, not recorded.
type ThrottledSink struct {
	inner  Sink
	window time.Duration

	mu           sync.Mutex
	lastNotified map[throttleKey]time.Time
}

type throttleKey struct {
	userID uint64
	reason string
}

// NewThrottledSink wraps inner with a once-per-window throttle on
// insufficient-balance notifications. window defaults to 24h.
func NewThrottledSink(inner Sink, window time.Duration) *ThrottledSink {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &ThrottledSink{
		inner:        inner,
		window:       window,
		lastNotified: make(map[throttleKey]time.Time),
	}
}

// NotifyInsufficientBalance sends at most one insufficient-balance
// notification per (userID, symbol) per window.
func (t *ThrottledSink) NotifyInsufficientBalance(userID uint64, symbol string, now time.Time) error {
	key := throttleKey{userID: userID, reason: "insufficient_balance:" + symbol}

	t.mu.Lock()
	last, seen := t.lastNotified[key]
	if seen && now.Sub(last) < t.window {
		t.mu.Unlock()
		return nil
	}
	t.lastNotified[key] = now
	t.mu.Unlock()

	return t.inner.Notify(userID, fmt.Sprintf("insufficient balance to enter %s, will keep retrying", symbol))
}

// Notify passes every other notification straight through, unthrottled.
func (t *ThrottledSink) Notify(userID uint64, message string) error {
	return t.inner.Notify(userID, message)
}
