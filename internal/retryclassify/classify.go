// Package retryclassify turns a Telegram send error into a retry/terminal
// verdict and computes the backoff delay for retriable ones.
package retryclassify

import (
	"regexp"
	"strings"

	"github.com/gotd/td/tgerr"
)

// RetriableRateLimit is the terminal_reason_code written on a retriable
// attempt; it is not actually terminal, it marks the row as provider-paced.
const RetriableRateLimit = "retriable-rate-limit"

var retriableTokens = []string{
	"FLOOD_WAIT",
	"FLOOD",
	"SLOWMODE_WAIT",
	"TIMEOUT",
	"ETIMEDOUT",
}

var terminalTokens = []string{
	"CHAT_WRITE_FORBIDDEN",
	"USER_BANNED_IN_CHANNEL",
	"CHANNEL_PRIVATE",
	"CHAT_ADMIN_REQUIRED",
	"PEER_ID_INVALID",
	"USER_DEACTIVATED",
	"BOT_WAS_BLOCKED",
	"INPUT_USER_DEACTIVATED",
}

var (
	waitOfSecondsRe  = regexp.MustCompile(`WAIT OF\s+(\d+)\s+SECONDS`)
	floodOrSlowWaitRe = regexp.MustCompile(`(?:SLOWMODE_WAIT|FLOOD_WAIT)_([0-9]+)`)
)

// Classification is the classifier's verdict for one send error.
type Classification struct {
	Retriable         bool
	TerminalCode      string
	RetryAfterSeconds int // 0 means "not observed"
}

// Classify normalizes err's message and matches it against the known
// Telegram retriable/terminal token lists. slowmodeDefaultSeconds is used
// when the message mentions SLOWMODE_WAIT but carries no explicit duration.
// The verdict comes from the token lists alone: a wait duration parsed from a
// message with no retriable token does not make it retriable.
func Classify(err error, slowmodeDefaultSeconds int) Classification {
	if err == nil {
		return Classification{Retriable: false, TerminalCode: "unknown"}
	}

	retryAfter := floodWaitSecondsFromStructured(err)
	msg := strings.ToUpper(err.Error())

	if retryAfter == 0 {
		if m := waitOfSecondsRe.FindStringSubmatch(msg); m != nil {
			retryAfter = atoiSafe(m[1])
		}
	}
	if retryAfter == 0 {
		if m := floodOrSlowWaitRe.FindStringSubmatch(msg); m != nil {
			retryAfter = atoiSafe(m[1])
		}
	}
	if retryAfter == 0 && strings.Contains(msg, "SLOWMODE_WAIT") {
		if slowmodeDefaultSeconds < 1 {
			slowmodeDefaultSeconds = 1
		}
		retryAfter = slowmodeDefaultSeconds
	}

	for _, tok := range retriableTokens {
		if strings.Contains(msg, tok) {
			return Classification{Retriable: true, TerminalCode: RetriableRateLimit, RetryAfterSeconds: retryAfter}
		}
	}

	for _, tok := range terminalTokens {
		if strings.Contains(msg, tok) {
			return Classification{Retriable: false, TerminalCode: strings.ToLower(tok)}
		}
	}

	return Classification{Retriable: false, TerminalCode: "unknown"}
}

// floodWaitSecondsFromStructured extracts a flood-wait duration from gotd's
// structured error types, which is preferred over string scanning when the
// transport surfaces it directly.
func floodWaitSecondsFromStructured(err error) int {
	if wait, ok := tgerr.AsFloodWait(err); ok {
		if seconds := int(wait.Seconds()); seconds > 0 {
			return seconds
		}
	}
	if rpcErr, ok := tgerr.As(err); ok && rpcErr.Argument > 0 {
		t := strings.ToUpper(rpcErr.Type)
		if strings.Contains(t, "FLOOD_WAIT") || strings.Contains(t, "SLOWMODE_WAIT") {
			return rpcErr.Argument
		}
	}
	return 0
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
