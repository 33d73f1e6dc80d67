package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0.00:00:00.000"},
		{1001 * time.Millisecond, "0.00:00:01.001"},
		{90 * time.Minute, "0.01:30:00.000"},
		{49*time.Hour + 5*time.Second + 7*time.Millisecond, "2.01:00:05.007"},
		{-time.Second, "0.00:00:00.000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in), "duration %s", tt.in)
	}
}

func TestFormatTimeIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	ts := time.Date(2024, 5, 1, 15, 0, 0, 123456789, loc)
	assert.Equal(t, "2024-05-01T12:00:00.123456Z", FormatTime(ts))
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "http.route", "http.route"},
		{"empty", "", "_"},
		{"quote and backslash", `a"b\c`, "a_b_c"},
		{"control", "a\nb\tc", "a_b_c"},
		{"truncated", strings.Repeat("k", 200), strings.Repeat("k", MaxKeyLength)},
		{"multibyte counted as runes", strings.Repeat("é", 151), strings.Repeat("é", MaxKeyLength)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeKey(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, SanitizeKey(got))
		})
	}
}

func TestSanitizeValue(t *testing.T) {
	long := strings.Repeat("ü", MaxValueLength+10)
	got := SanitizeValue(long)
	assert.Equal(t, MaxValueLength, len([]rune(got)))
	assert.Equal(t, "short", SanitizeValue("short"))
}

func TestSanitizePropertiesFirstClaimWins(t *testing.T) {
	in := map[string]string{
		"a_b":  "second",
		`a"b`:  "first",
		"":     "empty",
		"okay": "v",
	}
	want := map[string]string{"a_b": "first", "_": "empty", "okay": "v"}

	got := SanitizeProperties(in)
	assert.Equal(t, want, got)
	assert.Equal(t, want, SanitizeProperties(got))
}
