package gateway

import (
	"errors"
	"fmt"
	"testing"

	"mcptelegram/internal/mcperr"
)

func TestClassifyErrorFloodWait(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "rpcCode", err: errors.New("rpc error code 420: FLOOD_WAIT_42"), want: 42},
		{name: "waiterPhrase", err: errors.New("a wait of 17 seconds is required (caused by messages.GetHistory)"), want: 17},
		{name: "wrapped", err: fmt.Errorf("history: %w", errors.New("FLOOD_WAIT_3")), want: 3},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := classifyError(tc.err)
			var flood *FloodWaitError
			if !errors.As(got, &flood) {
				t.Fatalf("classifyError(%v) = %v, want FloodWaitError", tc.err, got)
			}
			if flood.Seconds != tc.want {
				t.Fatalf("FloodWaitError.Seconds = %d, want %d", flood.Seconds, tc.want)
			}
		})
	}
}

func TestClassifyErrorUnauthorized(t *testing.T) {
	t.Parallel()

	cases := []string{
		"rpc error code 401: AUTH_KEY_UNREGISTERED",
		"callback: SESSION_PASSWORD_NEEDED",
		"rpc error code 401: UNAUTHORIZED",
		"auth_key_duplicated",
	}

	for _, msg := range cases {
		got := classifyError(errors.New(msg))
		if !errors.Is(got, mcperr.ErrUnauthorized) {
			t.Fatalf("classifyError(%q) = %v, want ErrUnauthorized", msg, got)
		}
	}
}

func TestClassifyErrorTransport(t *testing.T) {
	t.Parallel()

	got := classifyError(errors.New("connection reset by peer"))
	if !errors.Is(got, mcperr.ErrTransport) {
		t.Fatalf("classifyError() = %v, want ErrTransport", got)
	}
	if errors.Is(got, mcperr.ErrUnauthorized) {
		t.Fatalf("classifyError() unexpectedly matched ErrUnauthorized: %v", got)
	}
}

func TestClassifyErrorNil(t *testing.T) {
	t.Parallel()

	if got := classifyError(nil); got != nil {
		t.Fatalf("classifyError(nil) = %v, want nil", got)
	}
}
