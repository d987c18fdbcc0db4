package validation

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var errUnparsableDate = errors.New("not a calendar date")

// dateLayouts are tried in order. Numeric slash and dash forms try
// month-first before day-first, so "03/04/2024" is March 4 and
// "14/03/2024" falls through to March 14.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"01/02/2006",
	"02/01/2006",
	"1/2/2006",
	"2/1/2006",
	"01-02-2006",
	"02-01-2006",
	"02.01.2006",
	"01/02/06",
	"02/01/06",
	"1/2/06",
	"2/1/06",
	"Jan 2, 2006",
	"Jan 2 2006",
	"January 2, 2006",
	"January 2 2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"2 January 2006",
	"02-Jan-2006",
	"2-Jan-2006",
	"Mon, Jan 2, 2006",
	"Monday, January 2, 2006",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

var leadingDate = regexp.MustCompile(`^(\d{1,4}[/.-]\d{1,2}[/.-]\d{1,4})`)

// ParseDate parses a receipt date into midnight UTC of that calendar day.
// Trailing time-of-day text after a numeric date is ignored.
func ParseDate(raw string) (time.Time, error) {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" {
		return time.Time{}, errUnparsableDate
	}

	candidates := []string{s}
	if m := leadingDate.FindString(s); m != "" && m != s {
		candidates = append(candidates, m)
	}

	for _, c := range candidates {
		for _, layout := range dateLayouts {
			t, err := time.Parse(layout, c)
			if err != nil {
				continue
			}
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, errUnparsableDate
}
