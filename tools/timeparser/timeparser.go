package timeparser

import (
	"fmt"
	"time"
)

const (
	// ReadingLayout is the layout gateways use for timestamp-tagged register values
	ReadingLayout = "2006-01-02T15:04:05.000000"

	// MessageDisplayLayout renders a message timestamp as "DD Month, YYYY HH:MM:SS"
	MessageDisplayLayout = "02 January, 2006 15:04:05"

	// DueDateDisplayLayout renders a due date as "DD Month, YYYY"
	DueDateDisplayLayout = "02 January, 2006"
)

// ParseError reports a register value that does not match ReadingLayout
type ParseError struct {
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse reading timestamp '%s': %v", e.Value, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseReadingTimestamp parses a register value with the fixed reading layout.
// The result is always UTC; gateways send wall-clock time without an offset.
func ParseReadingTimestamp(value string) (time.Time, error) {
	t, err := time.ParseInLocation(ReadingLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, &ParseError{Value: value, Err: err}
	}
	return t, nil
}

// FormatMessageTime renders the date and time of a message for exports
func FormatMessageTime(t time.Time) string {
	return t.Format(MessageDisplayLayout)
}

// FormatDueDate renders a due date for exports
func FormatDueDate(t time.Time) string {
	return t.Format(DueDateDisplayLayout)
}
