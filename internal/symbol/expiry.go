package symbol

import (
	"strings"
	"time"
	"unicode"

	"github.com/ksred/brokerbridge/internal/types"
)

// NthWeekday returns the nth occurrence of weekday in the given month. It
// reports false when the nth occurrence falls in the following month.
func NthWeekday(year int, month time.Month, weekday time.Weekday, n int) (time.Time, bool) {
	if n < 1 {
		return time.Time{}, false
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(weekday) - int(first.Weekday()) + 7) % 7
	d := first.AddDate(0, 0, offset+7*(n-1))
	if d.Month() != month {
		return time.Time{}, false
	}
	return d, true
}

// resolveYear maps a single year digit onto the current decade, moving to the
// next decade when the digit has already passed this decade.
func resolveYear(digit int, now time.Time) int {
	year := now.UTC().Year()
	resolved := year/10*10 + digit
	if digit < year%10 {
		resolved += 10
	}
	return resolved
}

// decodeExpiry parses either an explicit YYYYMMDD date or a compact
// <ticker><month code><year digit> code. For option alphabets the month code
// also fixes the right; the returned right is empty for futures.
func decodeExpiry(field string, option bool, now time.Time) (time.Time, types.Right, bool) {
	if len(field) == 8 && isDigits(field) {
		d, err := time.Parse("20060102", field)
		if err != nil {
			return time.Time{}, "", false
		}
		return d, "", true
	}

	if len(field) < 2 {
		return time.Time{}, "", false
	}
	yearChar := rune(field[len(field)-1])
	monthChar := field[len(field)-2 : len(field)-1]
	if !unicode.IsDigit(yearChar) {
		return time.Time{}, "", false
	}

	var (
		idx   int
		right types.Right
	)
	if option {
		if idx = strings.Index(callMonthCodes, monthChar); idx >= 0 {
			right = types.Call
		} else if idx = strings.Index(putMonthCodes, monthChar); idx >= 0 {
			right = types.Put
		}
	} else {
		idx = strings.Index(futureMonthCodes, monthChar)
	}
	if idx < 0 {
		return time.Time{}, "", false
	}

	year := resolveYear(int(yearChar-'0'), now)
	d, ok := NthWeekday(year, time.Month(idx+1), time.Friday, 3)
	if !ok {
		return time.Time{}, "", false
	}
	return d, right, true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
