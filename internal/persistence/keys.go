package persistence

import (
	"fmt"
	"strconv"
	"strings"
)

func fmtBucketKey(horizonDays int, regime string) string {
	return fmt.Sprintf("%dD|%s", horizonDays, regime)
}

// SplitBucketKey parses a bucket key back into horizon days and regime
// label. ok is false for malformed keys.
func SplitBucketKey(key string) (horizonDays int, regime string, ok bool) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) != 2 || !strings.HasSuffix(parts[0], "D") {
		return 0, "", false
	}
	h, err := strconv.Atoi(strings.TrimSuffix(parts[0], "D"))
	if err != nil {
		return 0, "", false
	}
	return h, parts[1], true
}

// HorizonLabel formats a horizon in the external "30D" form used by packs
// and audit records.
func HorizonLabel(horizonDays int) string {
	return fmt.Sprintf("%dD", horizonDays)
}
