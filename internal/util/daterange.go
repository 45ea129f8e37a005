package util

import "time"

// DateRange is an inclusive [From, To] interval used for report requests.
type DateRange struct {
	From time.Time
	To   time.Time
}

// PreviousMonth returns the calendar month before now in UTC, from the first
// day at 00:00:00 to the last day at 23:59:59.
func PreviousMonth(now time.Time) DateRange {
	now = now.UTC()
	firstOfThis := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	from := firstOfThis.AddDate(0, -1, 0)
	lastDay := firstOfThis.AddDate(0, 0, -1)
	return DateRange{
		From: from,
		To:   time.Date(lastDay.Year(), lastDay.Month(), lastDay.Day(), 23, 59, 59, 0, time.UTC),
	}
}

// PreviousYear returns the calendar year before now in UTC, from January 1
// at 00:00:00 to December 31 at 23:59:59.
func PreviousYear(now time.Time) DateRange {
	year := now.UTC().Year() - 1
	return DateRange{
		From: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(year, time.December, 31, 23, 59, 59, 0, time.UTC),
	}
}

// YearToDate returns January 1 of now's year in UTC through now.
func YearToDate(now time.Time) DateRange {
	now = now.UTC()
	return DateRange{
		From: time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC),
		To:   now,
	}
}
