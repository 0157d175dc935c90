package retryclassify_test

import (
	"errors"
	"testing"

	"telegram-broadcast/internal/retryclassify"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name           string
		err            error
		wantRetriable  bool
		wantCode       string
		wantRetryAfter int
	}{
		{
			name:           "slowmodeWaitWithSeconds",
			err:            errors.New("Telegram says: [420 SLOWMODE_WAIT_300]"),
			wantRetriable:  true,
			wantCode:       retryclassify.RetriableRateLimit,
			wantRetryAfter: 300,
		},
		{
			name:           "floodWaitWithSeconds",
			err:            errors.New("rpc error code 420: FLOOD_WAIT_5"),
			wantRetriable:  true,
			wantCode:       retryclassify.RetriableRateLimit,
			wantRetryAfter: 5,
		},
		{
			name:           "waitOfSecondsPhrase",
			err:            errors.New("A wait of 42 seconds is required"),
			wantRetriable:  true,
			wantCode:       retryclassify.RetriableRateLimit,
			wantRetryAfter: 42,
		},
		{
			name:          "timeoutIsRetriable",
			err:           errors.New("context deadline exceeded: ETIMEDOUT"),
			wantRetriable: true,
			wantCode:      retryclassify.RetriableRateLimit,
		},
		{
			name:          "chatWriteForbiddenIsTerminal",
			err:           errors.New("CHAT_WRITE_FORBIDDEN"),
			wantRetriable: false,
			wantCode:      "chat_write_forbidden",
		},
		{
			name:          "unknownError",
			err:           errors.New("something unexpected happened"),
			wantRetriable: false,
			wantCode:      "unknown",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := retryclassify.Classify(tc.err, 300)
			if got.Retriable != tc.wantRetriable {
				t.Fatalf("Retriable = %v, want %v", got.Retriable, tc.wantRetriable)
			}
			if got.TerminalCode != tc.wantCode {
				t.Fatalf("TerminalCode = %q, want %q", got.TerminalCode, tc.wantCode)
			}
			if tc.wantRetryAfter != 0 && got.RetryAfterSeconds != tc.wantRetryAfter {
				t.Fatalf("RetryAfterSeconds = %d, want %d", got.RetryAfterSeconds, tc.wantRetryAfter)
			}
		})
	}
}

func TestClassifySlowmodeWaitDefaultsWhenNoDuration(t *testing.T) {
	t.Parallel()

	got := retryclassify.Classify(errors.New("SLOWMODE_WAIT active, try later"), 300)
	if !got.Retriable {
		t.Fatalf("expected retriable")
	}
	if got.RetryAfterSeconds != 300 {
		t.Fatalf("RetryAfterSeconds = %d, want default 300", got.RetryAfterSeconds)
	}
}
