package metrics

import (
	"regexp"
	"strconv"
	"time"
)

var sinceRelative = regexp.MustCompile(`^(\d+)(h|d|w)$`)

// ParseSince resolves a since filter to an epoch-millisecond lower bound.
// Accepted forms are a relative window ("24h", "7d", "2w") or an ISO
// timestamp; anything else means no lower bound.
func ParseSince(since string, now time.Time) (int64, bool) {
	if since == "" {
		return 0, false
	}

	if m := sinceRelative.FindStringSubmatch(since); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, false
		}
		var unit time.Duration
		switch m[2] {
		case "h":
			unit = time.Hour
		case "d":
			unit = 24 * time.Hour
		case "w":
			unit = 7 * 24 * time.Hour
		}
		return now.Add(-time.Duration(n) * unit).UnixMilli(), true
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, since); err == nil {
			return ts.UnixMilli(), true
		}
	}
	return 0, false
}
