package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewWithLevelAndFormat(t *testing.T) {
	tests := []struct {
		level, format string
		wantLevel     logrus.Level
		wantText      bool
	}{
		{"debug", "text", logrus.DebugLevel, true},
		{"WARNING", "json", logrus.WarnLevel, false},
		{"", "", logrus.InfoLevel, false},
		{"verbose", "TEXT", logrus.InfoLevel, true},
	}
	for _, tt := range tests {
		l := NewWith(tt.level, tt.format)
		if l.GetLevel() != tt.wantLevel {
			t.Errorf("NewWith(%q): level %s, want %s", tt.level, l.GetLevel(), tt.wantLevel)
		}
		_, isText := l.Formatter.(*logrus.TextFormatter)
		if isText != tt.wantText {
			t.Errorf("NewWith(_, %q): text formatter %v", tt.format, isText)
		}
	}
}
