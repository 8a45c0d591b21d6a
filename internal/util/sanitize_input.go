package util

import (
	"html"
	"os"
	"strings"
	"unicode/utf8"
)

// SanitizeInput escapes HTML/script-like characters and caps the length of
// free-form client input such as device descriptors.
func SanitizeInput(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return html.EscapeString(s)
}

// ContainsSuspicious reports markup or template fragments in client input.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	badChars := []string{"<", ">", "${", "{{", "script", "onerror", "onload"}
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// MaskToken keeps the first few characters of a secret token for log correlation.
func MaskToken(token string) string {
	const visible = 8
	if len(token) <= visible {
		return "..."
	}
	return token[:visible] + "..."
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
