package main

import "testing"

func TestFormatMicros(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.00"},
		{1_500_000, "1.50"},
		{-2_010_000, "-2.01"},
		{1_234_567_890_000, "1,234,567.89"},
		{999_000_000, "999.00"},
		{123_456_000_000, "123,456.00"},
	}
	for _, tc := range tests {
		if got := formatMicros(tc.in); got != tc.want {
			t.Fatalf("formatMicros(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseCoins(t *testing.T) {
	if v, err := parseCoins(" 12.5 "); err != nil || v != 12_500_000 {
		t.Fatalf("parseCoins = %d, %v", v, err)
	}
	for _, bad := range []string{"", "abc", "0", "-3"} {
		if _, err := parseCoins(bad); err == nil {
			t.Fatalf("parseCoins(%q) accepted", bad)
		}
	}
}

func TestFormatBps(t *testing.T) {
	if got := formatBps(1250); got != "12.50%" {
		t.Fatalf("formatBps = %q", got)
	}
	if got := formatBps(5); got != "0.05%" {
		t.Fatalf("formatBps = %q", got)
	}
}
