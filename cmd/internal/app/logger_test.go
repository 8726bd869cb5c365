package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Setenv("VISOR_LOG_WIDTH", "200")

	cases := []struct {
		format string
		want   string
	}{
		{format: "json", want: `"msg":"vault.unlock.fail"`},
		{format: "", want: `"msg":"vault.unlock.fail"`},
		{format: "pretty", want: "vault.unlock.fail"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		log := newLogger(&buf, "debug", tc.format, false)
		log.Debug("vault.unlock.fail", "kind", "wrong_password")
		out := buf.String()
		if !strings.Contains(out, tc.want) || !strings.Contains(out, "wrong_password") {
			t.Fatalf("format %q: output %q missing %q", tc.format, out, tc.want)
		}
		if tc.format == "pretty" && strings.HasPrefix(out, "{") {
			t.Fatalf("pretty format produced JSON: %q", out)
		}
	}
}
