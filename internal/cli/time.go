package cli

import (
	"fmt"
	"time"
)

// parseInstant reads an RFC3339 flag value; empty means now.
func parseInstant(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s value: %w", flag, err)
	}
	return t.UTC(), nil
}
