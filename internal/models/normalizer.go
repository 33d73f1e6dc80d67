package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Field limits of the ingestion protocol
const (
	MaxKeyLength   = 150
	MaxValueLength = 8192
	EmptyKeyName   = "_"
)

// TimeFormat is the wire timestamp layout, always UTC with microseconds.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// FormatTime normalizes t to the wire timestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// FormatDuration renders d as D.HH:MM:SS.fff.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	days := ms / 86_400_000
	ms -= days * 86_400_000
	hours := ms / 3_600_000
	ms -= hours * 3_600_000
	minutes := ms / 60_000
	ms -= minutes * 60_000
	seconds := ms / 1000
	ms -= seconds * 1000
	return fmt.Sprintf("%d.%02d:%02d:%02d.%03d", days, hours, minutes, seconds, ms)
}

// SanitizeKey applies the key rules:
// - truncate to MaxKeyLength runes
// - replace control characters, '"' and '\' with '_'
// - an empty key becomes EmptyKeyName
func SanitizeKey(k string) string {
	if k == "" {
		return EmptyKeyName
	}
	var b strings.Builder
	n := 0
	for _, r := range k {
		if n == MaxKeyLength {
			break
		}
		if r == utf8.RuneError || unicode.IsControl(r) || r == '"' || r == '\\' {
			r = '_'
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeValue truncates v to MaxValueLength runes.
func SanitizeValue(v string) string {
	if utf8.RuneCountInString(v) <= MaxValueLength {
		return v
	}
	n := 0
	for i := range v {
		if n == MaxValueLength {
			return v[:i]
		}
		n++
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SanitizeProperties returns a sanitized copy of props. Keys are visited in sorted
// order and the first key mapping to a sanitized name keeps it.
func SanitizeProperties(props map[string]string) map[string]string {
	if props == nil {
		return nil
	}
	out := make(map[string]string, len(props))
	for _, k := range sortedKeys(props) {
		sk := SanitizeKey(k)
		if _, taken := out[sk]; taken {
			continue
		}
		out[sk] = SanitizeValue(props[k])
	}
	return out
}

// SanitizeMeasurements is SanitizeProperties for measurements.
func SanitizeMeasurements(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for _, k := range sortedKeys(m) {
		sk := SanitizeKey(k)
		if _, taken := out[sk]; taken {
			continue
		}
		out[sk] = m[k]
	}
	return out
}

// Sanitize applies the key and value rules to properties and measurements in place.
// It is idempotent.
func (e *Envelope) Sanitize() {
	bd := e.Data.BaseData
	if bd == nil {
		return
	}
	bd.Properties = SanitizeProperties(bd.Properties)
	bd.Measurements = SanitizeMeasurements(bd.Measurements)
}
