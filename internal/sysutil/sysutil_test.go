package sysutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" Debug\t": zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"WARN":     zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"fatal":    zerolog.FatalLevel,
		"panic":    zerolog.PanicLevel,
		"info":     zerolog.InfoLevel,
		"":         zerolog.InfoLevel,
		"verbose":  zerolog.InfoLevel,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetLogLevel(t *testing.T) {
	orig := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(orig) })

	SetLogLevel("error")
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Fatalf("global level = %v, want error", zerolog.GlobalLevel())
	}
}

func TestFirstNonEmpty(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"", " \t"}, ""},
		{[]string{"", "  u1 ", "u2"}, "  u1 "},
		{[]string{"flag", "env"}, "flag"},
	}
	for _, tt := range tests {
		if got := FirstNonEmpty(tt.in...); got != tt.want {
			t.Errorf("FirstNonEmpty(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_JSONAndPretty(t *testing.T) {
	origLevel, origLog := zerolog.GlobalLevel(), log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(origLevel)
		log.Logger = origLog
	})

	var buf bytes.Buffer
	l := NewLogger(&buf, "warn", false, "tryond")
	l.Info().Msg("dropped")
	log.Warn().Str("user_id", "u1").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("json: %v", err)
	}
	if m["service"] != "tryond" || m["message"] != "kept" || m["time"] == nil {
		t.Fatalf("unexpected line %v", m)
	}

	buf.Reset()
	pl := NewLogger(&buf, "debug", true, "tryond")
	pl.Debug().Msg("hello")
	if out := buf.String(); !strings.Contains(out, "hello") || strings.HasPrefix(out, "{") {
		t.Fatalf("expected console output, got %q", out)
	}
}
