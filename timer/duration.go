package timer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidDuration reports a duration that is neither a non-negative
// integer of milliseconds nor a string like "500ms", "90s", "5m", "2h"
// or "1d".
var ErrInvalidDuration = errors.New("invalid duration")

var durationPattern = regexp.MustCompile(`^(\d+)(ms|s|m|h|d)$`)

var unitMs = map[string]int64{
	"ms": 1,
	"s":  1000,
	"m":  60_000,
	"h":  3_600_000,
	"d":  86_400_000,
}

// ParseDuration normalizes the polymorphic duration field of a timer
// config into milliseconds.
func ParseDuration(v any) (int64, error) {
	switch d := v.(type) {
	case nil:
		return 0, fmt.Errorf("%w: duration is required", ErrInvalidDuration)
	case int:
		return wholeMs(int64(d))
	case int32:
		return wholeMs(int64(d))
	case int64:
		return wholeMs(d)
	case float64:
		if d != math.Trunc(d) {
			return 0, fmt.Errorf("%w: %v is not a whole number of milliseconds", ErrInvalidDuration, d)
		}
		return wholeMs(int64(d))
	case json.Number:
		if n, err := d.Int64(); err == nil {
			return wholeMs(n)
		}
		return parseDurationString(d.String())
	case string:
		return parseDurationString(d)
	}
	return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidDuration, v)
}

func wholeMs(ms int64) (int64, error) {
	if ms < 0 {
		return 0, fmt.Errorf("%w: negative milliseconds", ErrInvalidDuration)
	}
	return ms, nil
}

func parseDurationString(s string) (int64, error) {
	m := durationPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	return n * unitMs[m[2]], nil
}
