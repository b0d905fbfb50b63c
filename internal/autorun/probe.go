package autorun

import "strings"

// Probe classification codes for the readiness check.
const (
	CodeReady           = ""
	CodeNotProbed       = "NOT_PROBED"
	CodeGameNotReady    = "GAME_NOT_READY"
	CodeProbeTimeout    = "PROBE_TIMEOUT"
	CodeBusinessRefused = "BUSINESS_REFUSED"
)

var notReadyTokens = []string{
	"addon-or-flow-not-ready",
	"addon or flow not ready",
	"flow-not-ready",
	"addon-not-ready",
	"not_ready",
	"not-ready",
	"not ready",
	"no session",
	"no game",
	"service unavailable",
}

var timeoutTokens = []string{
	"timeout",
	"timed out",
	"time out",
	"deadline",
	"read timeout",
	"connection refused",
	"connection reset",
	"cannot connect",
	"failed to establish",
	"econn",
	"bad gateway",
	"network",
	"winerror",
	"proxy",
	"connect error",
}

// classifyProbeFailure buckets a probe failure reason. A business refusal
// means the pipeline works end to end, so the caller treats it as ready.
func classifyProbeFailure(reason string) string {
	r := strings.ToLower(reason)
	for _, tok := range notReadyTokens {
		if strings.Contains(r, tok) {
			return CodeGameNotReady
		}
	}
	for _, tok := range timeoutTokens {
		if strings.Contains(r, tok) {
			return CodeProbeTimeout
		}
	}
	if strings.Contains(r, "error code: 1004") || strings.Contains(r, "code: 1004") {
		return CodeBusinessRefused
	}
	return CodeReady
}
