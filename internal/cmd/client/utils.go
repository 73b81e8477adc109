package client

import (
	"fmt"
	"strconv"
	"time"
)

// parseTimeMs accepts a unix epoch in milliseconds or an RFC3339 timestamp.
// Empty input maps to zero (unset).
func parseTimeMs(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return ms, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UnixMilli(), nil
	}
	return 0, fmt.Errorf("invalid time %q; expected ms or RFC3339", v)
}
