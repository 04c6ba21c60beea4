package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Layouts for the two date renderings: file names use the dashed form, the
// date column uses the compact form.
const (
	DailyLayout = "2006-01-02"
	RowLayout   = "20060102"
)

// DailyDate formats t for a daily snapshot file name.
func DailyDate(t time.Time) string { return t.Format(DailyLayout) }

// RowDate formats t for the date column.
func RowDate(t time.Time) string { return t.Format(RowLayout) }

// ParseDate accepts either YYYY-MM-DD or YYYYMMDD.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range []string{DailyLayout, RowLayout} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("invalid date %q: want YYYY-MM-DD or YYYYMMDD", s)
}

// ToRowDate converts a dashed daily date into the compact column form.
func ToRowDate(daily string) (string, error) {
	t, err := ParseDate(daily, time.UTC)
	if err != nil {
		return "", err
	}
	return RowDate(t), nil
}
