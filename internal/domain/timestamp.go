package domain

import (
	"fmt"
	"net/http"
	"time"
)

// AtSecond truncates t to whole seconds in UTC. Wire formats drop sub-second
// precision, so every freshness comparison goes through it.
func AtSecond(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// NewerThan reports whether updated is strictly after since at second resolution.
func NewerThan(updated, since time.Time) bool {
	return AtSecond(updated).After(AtSecond(since))
}

func FormatLastUpdated(t time.Time) string {
	return AtSecond(t).Format(time.RFC3339)
}

// ParseLastUpdated accepts the value previously handed out as lastUpdated.
// HTTP dates are tolerated for clients that echo Last-Modified instead.
func ParseLastUpdated(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := http.ParseTime(value); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

func FormatHTTPTime(t time.Time) string {
	return AtSecond(t).Format(http.TimeFormat)
}
