package resolver

import (
	"errors"
	"iter"
	"time"

	"github.com/septivank/metering-telemetry/internal/db"
	"github.com/septivank/metering-telemetry/tools/timeparser"
)

// Distinguished dimension tags marking when a register slot was read
const (
	TimePointDateTime = "Time Point (time & date)"
	TimePointDate     = "Time Point (date)"
)

// Stamp is a timestamp-tagged reading together with its parsed time
type Stamp struct {
	db.Reading
	At time.Time
}

// Selection is the outcome of a single-pass timestamp fold.
// Found is false when no candidate survived parsing; Failures lists the values that did not parse.
type Selection struct {
	Stamp    Stamp
	Found    bool
	Failures []*timeparser.ParseError
}

// SelectLatest picks the reading with the maximal timestamp.
// Ties go to the earliest-created message, then the lowest storagenr.
func SelectLatest(readings iter.Seq2[db.Reading, error]) (Selection, error) {
	return fold(readings, func(candidate, best Stamp) bool {
		if !candidate.At.Equal(best.At) {
			return candidate.At.After(best.At)
		}
		return tieBreak(candidate, best)
	})
}

// SelectEarliest picks the reading with the minimal timestamp, with the same tie-break as SelectLatest
func SelectEarliest(readings iter.Seq2[db.Reading, error]) (Selection, error) {
	return fold(readings, func(candidate, best Stamp) bool {
		if !candidate.At.Equal(best.At) {
			return candidate.At.Before(best.At)
		}
		return tieBreak(candidate, best)
	})
}

func tieBreak(candidate, best Stamp) bool {
	if candidate.MessageSeq != best.MessageSeq {
		return candidate.MessageSeq < best.MessageSeq
	}
	return candidate.Storagenr < best.Storagenr
}

// fold keeps only the current winner, so memory does not grow with the number of readings.
// A storage error aborts the fold.
func fold(readings iter.Seq2[db.Reading, error], better func(candidate, best Stamp) bool) (Selection, error) {
	var sel Selection
	for reading, err := range readings {
		if err != nil {
			return Selection{}, err
		}
		at, err := timeparser.ParseReadingTimestamp(reading.Value)
		if err != nil {
			var parseErr *timeparser.ParseError
			if errors.As(err, &parseErr) {
				sel.Failures = append(sel.Failures, parseErr)
			}
			continue
		}
		candidate := Stamp{Reading: reading, At: at}
		if !sel.Found || better(candidate, sel.Stamp) {
			sel.Stamp = candidate
			sel.Found = true
		}
	}
	return sel, nil
}

// DominantDimension returns the most frequent measurement dimension among values.
// Time point markers are not counted: they are not measurements, and counting them
// would let a marker win in a message with few readings, leaving the newest value
// unmatched at the timestamp's storagenr. Ties go to the dimension seen first.
func DominantDimension(values iter.Seq[db.Value]) (string, bool) {
	counts := make(map[string]int)
	var order []string
	for v := range values {
		if isTimePoint(v.Dimension) {
			continue
		}
		if _, seen := counts[v.Dimension]; !seen {
			order = append(order, v.Dimension)
		}
		counts[v.Dimension]++
	}

	best, bestCount := "", 0
	for _, dim := range order {
		if counts[dim] > bestCount {
			best, bestCount = dim, counts[dim]
		}
	}
	return best, bestCount > 0
}

// ValueAt returns the first value in register slot storagenr whose dimension satisfies match
func ValueAt(values iter.Seq[db.Value], storagenr int64, match func(dimension string) bool) (string, bool) {
	for v := range values {
		if v.Storagenr == storagenr && match(v.Dimension) {
			return v.Value, true
		}
	}
	return "", false
}

// Readings adapts one message's values to a reading sequence restricted to dimension
func Readings(seq int64, values iter.Seq[db.Value], dimension string) iter.Seq2[db.Reading, error] {
	return func(yield func(db.Reading, error) bool) {
		for v := range values {
			if v.Dimension != dimension {
				continue
			}
			reading := db.Reading{
				MessageID:  v.MessageID,
				MessageSeq: seq,
				Storagenr:  v.Storagenr,
				Dimension:  v.Dimension,
				Value:      v.Value,
			}
			if !yield(reading, nil) {
				return
			}
		}
	}
}

func isTimePoint(dimension string) bool {
	return dimension == TimePointDateTime || dimension == TimePointDate
}
