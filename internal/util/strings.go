package util

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// DefaultString returns fallback when v is empty or whitespace-only.
//
//	DefaultString("hello", "world")  → "hello"
//	DefaultString("  ",    "world")  → "world"
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash renders blank optional fields as "-" in tables.
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// Truncate shortens s to at most width terminal cells, marking the cut with "…".
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(s, width, "…")
}

// PadRight truncates s to width cells and pads it with spaces so wide
// characters do not break column alignment.
func PadRight(s string, width int) string {
	return runewidth.FillRight(Truncate(s, width), width)
}
