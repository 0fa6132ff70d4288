package auth

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 0, O, 1 and I are excluded so keys survive being read aloud.
const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultKeyLength is the length of generated access keys.
const DefaultKeyLength = 8

// GenerateKey returns a random access key of the given length.
func GenerateKey(length int) (string, error) {
	if length <= 0 {
		length = DefaultKeyLength
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	for i, b := range buf {
		buf[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(buf), nil
}

// ParseDuration parses operator-facing validity strings like "30d", "12h"
// or "45m". Days are not a stdlib duration unit, hence the custom parser.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	switch unit {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	default:
		return 0, fmt.Errorf("invalid duration unit in %q (use d, h or m)", s)
	}
}
