package output

import (
	"fmt"
	"strings"
)

// EventPrefix is the literal token that starts every progress line a
// worker prints to stdout. Lines without it are ordinary log output.
const EventPrefix = "RESULT"

// Status is the completion status of one Change.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Event reports that a worker finished one Change.
type Event struct {
	Key    string
	Status Status
}

// FormatEvent renders e as "RESULT <key> <status>" without a newline.
func FormatEvent(e Event) string {
	return fmt.Sprintf("%s %s %s", EventPrefix, e.Key, e.Status)
}

// ParseEvent parses a progress line. ok is false for any line that is not
// exactly a well-formed event.
func ParseEvent(line string) (Event, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != EventPrefix {
		return Event{}, false
	}
	status := Status(fields[2])
	if status != StatusSuccess && status != StatusFailure {
		return Event{}, false
	}
	return Event{Key: fields[1], Status: status}, true
}
