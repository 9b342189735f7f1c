package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZerologLoggerMethods(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("LOGLEVEL", "DEBUG")
	l := NewZerologLogger("test")
	assert.NotNil(t, l)
	l.Debugf("debug %d", 1)
	l.Debugw("debug", map[string]any{"k": 1})
	l.Infof("info %s", "test")
	l.Warnf("warn")
	l.Errorf("error")
}

func TestLevelFromEnv(t *testing.T) {
	cases := map[string]string{
		"DEBUG":   "debug",
		"WARN":    "warn",
		"WARNING": "warn",
		"ERROR":   "error",
		"":        "info",
		"bogus":   "info",
	}
	for in, want := range cases {
		t.Setenv("LOGLEVEL", in)
		if got := levelFromEnv().String(); got != want {
			t.Fatalf("LOGLEVEL=%q: expected %s, got %s", in, want, got)
		}
	}
}
