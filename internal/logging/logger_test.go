package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"DEBUG":   logrus.DebugLevel,
		"warn":    logrus.WarnLevel,
		"warning": logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"INFO":    logrus.InfoLevel,
		"":        logrus.InfoLevel,
		"bogus":   logrus.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestNewFormatter(t *testing.T) {
	if _, ok := New("info", "json").Formatter.(*logrus.JSONFormatter); !ok {
		t.Error("expected JSON formatter for format 'json'")
	}
	if _, ok := New("info", "").Formatter.(*logrus.TextFormatter); !ok {
		t.Error("expected text formatter by default")
	}
}
