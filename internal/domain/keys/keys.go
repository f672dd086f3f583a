// Package keys generates the K-sortable identifiers used for update entries
// and library-created jobs, and holds the day-index calendar helpers shared by
// filing and report aggregation.
package keys

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// DayLayout is the day-index bucket format.
const DayLayout = "2006-01-02"

// New returns a fresh key. Keys embed their creation time and sort
// lexicographically in creation order, including within one millisecond.
func New() string {
	return ulid.Make().String()
}

// NewAt returns a fresh key embedding the given creation time.
func NewAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// Time recovers the creation timestamp embedded in a key. The second return
// is false for keys that were not generated by New (externally chosen job
// keys may use any scheme).
func Time(key string) (time.Time, bool) {
	id, err := ulid.ParseStrict(key)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(id.Time())).UTC(), true
}

// Day formats the calendar day of t in the given zone.
func Day(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}

// NextMidnight returns the first instant after the given day-index bucket,
// i.e. midnight of the following day in the given zone.
func NextMidnight(day string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(DayLayout, day, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.AddDate(0, 0, 1), nil
}

// DaysBetween lists the day-index buckets overlapping the half-open window
// [from, to) in calendar order. An empty or inverted window yields nil.
func DaysBetween(from, to time.Time, loc *time.Location) []string {
	if !from.Before(to) {
		return nil
	}

	var days []string
	f := from.In(loc)
	cursor := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, loc)
	for cursor.Before(to) {
		days = append(days, cursor.Format(DayLayout))
		cursor = cursor.AddDate(0, 0, 1)
	}
	return days
}
