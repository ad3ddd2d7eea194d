// Package classify maps publisher error text to a closed set of failure kinds.
// The rule table is ordered: first match wins, no match is Unknown. The worker
// keys its retry decisions off these kinds, so rules can evolve without
// touching control flow.
package classify

import (
	"regexp"
	"strings"
)

// Kind is a coarse failure category for a publish attempt.
type Kind string

const (
	KindAuth         Kind = "auth"
	KindRateLimit    Kind = "rate_limit"
	KindNotFound     Kind = "not_found"
	KindUploadIO     Kind = "upload_io"
	KindFormat       Kind = "format"
	KindSizeLimit    Kind = "size_limit"
	KindChannelState Kind = "channel_state"
	KindUnknown      Kind = "unknown"
)

type rule struct {
	kind    Kind
	pattern *regexp.Regexp
}

// Rules are checked in order. Narrower categories come before broader ones:
// size before generic upload IO, channel state before auth.
var rules = []rule{
	{KindSizeLimit, regexp.MustCompile(`(?i)(file size|too large|exceeds.*(size|limit)|maxUploadSize)`)},
	{KindFormat, regexp.MustCompile(`(?i)(unsupported.*(format|codec)|invalid.*(format|container)|could not (decode|parse) (video|audio|media))`)},
	{KindChannelState, regexp.MustCompile(`(?i)(channel.*(suspended|terminated|disabled)|account.*(suspended|terminated)|uploads disabled)`)},
	{KindRateLimit, regexp.MustCompile(`(?i)(quota.?exceeded|rate.?limit|too many requests|userRateLimitExceeded|uploadLimitExceeded|429)`)},
	{KindNotFound, regexp.MustCompile(`(?i)(not found|no such file|404|does not exist)`)},
	{KindAuth, regexp.MustCompile(`(?i)(invalid_grant|unauthorized|401|403|token.*(expired|revoked|invalid)|invalid.*(token|credentials)|insufficient.*permission|failed to refresh)`)},
	{KindUploadIO, regexp.MustCompile(`(?i)(connection (reset|refused)|broken pipe|timeout|timed out|EOF|network|temporarily unavailable|backend error|500|502|503)`)},
}

// Classify maps arbitrary error text to a Kind. Pure and deterministic.
func Classify(message string) Kind {
	if strings.TrimSpace(message) == "" {
		return KindUnknown
	}
	for _, r := range rules {
		if r.pattern.MatchString(message) {
			return r.kind
		}
	}
	return KindUnknown
}

// Patterns that indicate the refresh grant itself is dead, not merely an
// expired access token. Only these authorize spawning a re-auth session; an
// expired access token is repaired by an ordinary refresh exchange.
var refreshInvalidPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)invalid_grant`),
	regexp.MustCompile(`(?i)token has been expired or revoked`),
	regexp.MustCompile(`(?i)refresh[ _]token.*(invalid|revoked)`),
	regexp.MustCompile(`(?i)(invalid|revoked).*refresh[ _]token`),
	regexp.MustCompile(`(?i)failed to refresh token`),
}

// IsRefreshTokenInvalid reports whether the error text indicates the OAuth
// refresh grant has been invalidated by the provider.
func IsRefreshTokenInvalid(message string) bool {
	if message == "" {
		return false
	}
	for _, p := range refreshInvalidPatterns {
		if p.MatchString(message) {
			return true
		}
	}
	return false
}
