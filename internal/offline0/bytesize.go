package offline0

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
)

// parseBytes reads sizes such as "512", "64kb", "16m" or "1.5gb".
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = kib
	case 'm':
		mult = mib
	case 'g':
		mult = gib
	}
	if mult > 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}

func formatBytes(b uint64) string {
	unit, suffix := float64(1), "b"
	switch {
	case b >= gib:
		unit, suffix = gib, "gb"
	case b >= mib:
		unit, suffix = mib, "mb"
	case b >= kib:
		unit, suffix = kib, "kb"
	default:
		return strconv.FormatUint(b, 10) + suffix
	}
	return strings.TrimSuffix(fmt.Sprintf("%.1f", float64(b)/unit), ".0") + suffix
}
