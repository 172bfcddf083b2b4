package logx_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/dockshell/core/logx"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zerolog.Level{
		"all":     zerolog.TraceLevel,
		"WARNING": zerolog.WarnLevel,
		" none ":  zerolog.Disabled,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	} {
		if got := logx.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s; want %s", in, got, want)
		}
	}
}

func TestSetupJSON(t *testing.T) {
	defer logx.Configure("info")
	var buf bytes.Buffer
	logx.Setup(logx.Options{Level: "info", Format: "json", Out: &buf})

	logx.Log.Debug().Msg("hidden")
	logx.Log.Info().Str("app_id", "a1").Msg("application registered")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if entry["service"] != logx.Service || entry["app_id"] != "a1" || entry["level"] != "info" {
		t.Fatalf("entry = %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Fatalf("missing timestamp: %v", entry)
	}
}

func TestSetupConsole(t *testing.T) {
	defer logx.Configure("info")
	var buf bytes.Buffer
	logx.Setup(logx.Options{Level: "debug", Out: &buf})
	logx.Log.Debug().Msg("frame attached")
	if out := buf.String(); !strings.Contains(out, "frame attached") || strings.HasPrefix(out, "{") {
		t.Fatalf("console output = %q", out)
	}
}
