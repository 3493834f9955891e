package utils

import (
	"testing"
)

func TestTruncate(t *testing.T) {
	if Truncate("hello", 10) != "hello" {
		t.Error("short string unchanged")
	}
	if Truncate("hello world", 5) != "hello..." {
		t.Errorf("got %s", Truncate("hello world", 5))
	}
	if Truncate("x", 0) != "x" {
		t.Error("maxLen 0 returns as-is")
	}
	if got := Truncate("日本語のテキスト", 3); got != "日本語..." {
		t.Errorf("multi-byte runes must not be split, got %q", got)
	}
	if Truncate("héllo", 5) != "héllo" {
		t.Error("length is counted in runes")
	}
}

func TestClamp01(t *testing.T) {
	for in, want := range map[float64]float64{-0.2: 0, 0.5: 0.5, 1.3: 1} {
		if got := Clamp01(in); got != want {
			t.Errorf("Clamp01(%v) = %v", in, got)
		}
	}
}
