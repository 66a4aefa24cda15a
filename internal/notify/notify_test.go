package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	messages []string
}

func (r *recordingSink) Notify(userID uint64, message string) error {
	r.messages = append(r.messages, message)
	return nil
}

func TestThrottledSinkCollapsesWithinWindow(t *testing.T) {
	rec := &recordingSink{}
	sink := NewThrottledSink(rec, 24*time.Hour)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, sink.NotifyInsufficientBalance(1, "BTCUSDT", now))
	require.NoError(t, sink.NotifyInsufficientBalance(1, "BTCUSDT", now.Add(time.Hour)))

	assert.Len(t, rec.messages, 1)
}

func TestThrottledSinkFiresAgainAfterWindow(t *testing.T) {
	rec := &recordingSink{}
	sink := NewThrottledSink(rec, 24*time.Hour)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, sink.NotifyInsufficientBalance(1, "BTCUSDT", now))
	require.NoError(t, sink.NotifyInsufficientBalance(1, "BTCUSDT", now.Add(25*time.Hour)))

	assert.Len(t, rec.messages, 2)
}

func TestThrottledSinkDistinguishesUsersAndSymbols(t *testing.T) {
	rec := &recordingSink{}
	sink := NewThrottledSink(rec, 24*time.Hour)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, sink.NotifyInsufficientBalance(1, "BTCUSDT", now))
	require.NoError(t, sink.NotifyInsufficientBalance(2, "BTCUSDT", now))
	require.NoError(t, sink.NotifyInsufficientBalance(1, "ETHUSDT", now))

	assert.Len(t, rec.messages, 3)
}
