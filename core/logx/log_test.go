package logx

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" warning ", zerolog.WarnLevel},
		{"off", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := Level(tc.in); got != tc.want {
			t.Fatalf("Level(%q) = %v; want %v", tc.in, got, tc.want)
		}
	}
}
