package autorun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/shantenlens/backend/internal/packetbot"
)

func TestRetryReturnsSuccessImmediately(t *testing.T) {
	calls := 0
	res := retryTransient(context.Background(), func() packetbot.Result {
		calls++
		return packetbot.Result{OK: true, Reason: "ok"}
	}, time.Millisecond, time.Second)

	assert.True(t, res.OK)
	assert.Equal(t, 1, calls)
}

func TestRetryReturnsHardFailureImmediately(t *testing.T) {
	calls := 0
	res := retryTransient(context.Background(), func() packetbot.Result {
		calls++
		return packetbot.Result{Reason: "error code: 2691"}
	}, time.Millisecond, time.Second)

	assert.False(t, res.OK)
	assert.Equal(t, "error code: 2691", res.Reason)
	assert.Equal(t, 1, calls)
}

func TestRetryRidesOutTransientRefusals(t *testing.T) {
	calls := 0
	res := retryTransient(context.Background(), func() packetbot.Result {
		calls++
		if calls < 3 {
			return packetbot.Result{Reason: "error code: 1004"}
		}
		return packetbot.Result{OK: true, Reason: "ok"}
	}, time.Millisecond, time.Second)

	assert.True(t, res.OK)
	assert.Equal(t, 3, calls)
}

func TestRetryTimesOutOnPersistentRefusal(t *testing.T) {
	res := retryTransient(context.Background(), func() packetbot.Result {
		return packetbot.Result{Reason: "error code: 26104"}
	}, time.Millisecond, 20*time.Millisecond)

	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "retry-timeout(1004)")
}

func TestRetryRecoversFromPanic(t *testing.T) {
	res := retryTransient(context.Background(), func() packetbot.Result {
		panic("boom")
	}, time.Millisecond, time.Second)

	assert.False(t, res.OK)
	assert.Equal(t, "call-exception:boom", res.Reason)
}

func TestClassifyProbeFailure(t *testing.T) {
	cases := []struct {
		reason string
		want   string
	}{
		{"addon-or-flow-not-ready", CodeGameNotReady},
		{"no-preferred-flow: Not Ready", CodeGameNotReady},
		{"timeout", CodeProbeTimeout},
		{"connection refused by upstream", CodeProbeTimeout},
		{"bad gateway", CodeProbeTimeout},
		{"error code: 1004", CodeBusinessRefused},
		{"something else entirely", CodeReady},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, classifyProbeFailure(c.reason), c.reason)
	}
}
