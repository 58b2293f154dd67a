package datastore

import (
	"fmt"
	"regexp"
	"time"
)

const timestampLayout = "2006-01-02T15:04:05Z"

// timestampPattern matches the RFC3339-UTC snapshot directory name format
// spec.md §4.C/§6 requires: "YYYY-MM-DDThh:mm:ssZ".
var timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`)

func formatTimestamp(ts time.Time) string {
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	if !timestampPattern.MatchString(s) {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrInvalidName, s)
	}
	return time.Parse(timestampLayout, s)
}
