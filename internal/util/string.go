// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across vaultchat packages.
package util

import "strings"

// TruncateRunes cuts s to at most max runes, with no ellipsis and no
// word-boundary awareness. Rune-based so multi-byte input is never split
// mid-character.
func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Preview returns a single-line preview of s, truncated to maxLen runes
// with "..." appended when truncated.
func Preview(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
