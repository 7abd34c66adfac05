package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Options{Format: "json", Level: "debug"})

	log.Info("account minted",
		"user_id", "u-1",
		"recovery_phrase", "abandon abandon ability",
		slog.Group("escrow", "secret", "deadbeef", "address", "0xabc"),
	)
	log.With("api_token", "t0k3n").Debug("scoped")

	out := buf.String()
	for _, leaked := range []string{"abandon", "deadbeef", "t0k3n"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("log leaked %q:\n%s", leaked, out)
		}
	}
	for _, kept := range []string{`"user_id":"u-1"`, `"address":"0xabc"`, redactedValue} {
		if !strings.Contains(out, kept) {
			t.Fatalf("log missing %q:\n%s", kept, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v want %v", raw, got, want)
		}
	}
}
