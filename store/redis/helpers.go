package redis

import (
	"context"
	"encoding/json"
	"time"
)

// marshalJSON marshals to a JSON string for Hash storage.
func marshalJSON(v any) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal does not fail for map types
	return string(b)
}

// unmarshalAnyMap parses a JSON object into a map.
func unmarshalAnyMap(s string) map[string]any {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]any)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}

// unmarshalStringMap parses a JSON object of strings into a map.
func unmarshalStringMap(s string) map[string]string {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]string)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}

// parseTime parses an RFC3339Nano timestamp, returning the zero time on
// malformed input.
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s) //nolint:errcheck // best-effort parse from trusted Redis data
	return t
}

// parseTimePtr parses an optional RFC3339Nano timestamp.
func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	return &t
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// sleepCtx sleeps for the given duration, or returns early if the context
// is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
