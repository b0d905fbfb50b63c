package autorun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shantenlens/backend/internal/packetbot"
)

// defaultRetryInterval paces retries of server-side busy refusals.
const defaultRetryInterval = 600 * time.Millisecond

// transientRefusal reports whether a failure reason is the server's
// transient busy signal, worth retrying verbatim.
func transientRefusal(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "error code: 1004") || strings.Contains(r, "error code: 26104")
}

// retryTransient re-runs call while it fails with a transient refusal,
// pacing attempts by interval, until timeout elapses. Non-transient results
// — success or failure — return immediately.
func retryTransient(ctx context.Context, call func() packetbot.Result, interval, timeout time.Duration) (res packetbot.Result) {
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	defer func() {
		if p := recover(); p != nil {
			res = packetbot.Result{Reason: fmt.Sprintf("call-exception:%v", p)}
		}
	}()

	deadline := time.Now().Add(timeout)
	tries := 0
	for {
		tries++
		res = call()
		if !transientRefusal(res.Reason) {
			return res
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return packetbot.Result{Reason: fmt.Sprintf("retry-timeout(1004) after %d tries", tries)}
		}
		select {
		case <-ctx.Done():
			return packetbot.Result{Reason: fmt.Sprintf("retry-timeout(1004) after %d tries", tries)}
		case <-time.After(interval):
		}
	}
}
