package carddav

import (
	"fmt"
	"strconv"

	"github.com/emersion/go-vcard"
)

// partialDate is (year, month, day) with 0 meaning "omitted", matching
// the Apple/Fastmail magic-year/month/day round-trip rules. Grounded on
// original_source/imap/http_jmap.c's _parse_date/_date_to_jmap/_date_to_card.
type partialDate struct {
	Year, Month, Day int
}

// parseJMAPDate parses "YYYY-MM-DD" (the JMAP wire format used by the
// birthday field), tolerating zero components ("0000-03-15" etc).
func parseJMAPDate(s string) (partialDate, error) {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return partialDate{}, fmt.Errorf("carddav: bad date %q", s)
	}
	y, err := strconv.Atoi(s[0:4])
	if err != nil {
		return partialDate{}, err
	}
	m, err := strconv.Atoi(s[5:7])
	if err != nil {
		return partialDate{}, err
	}
	d, err := strconv.Atoi(s[8:10])
	if err != nil {
		return partialDate{}, err
	}
	if m > 12 || d > 31 {
		return partialDate{}, fmt.Errorf("carddav: date %q out of range", s)
	}
	return partialDate{Year: y, Month: m, Day: d}, nil
}

func formatJMAPDate(d partialDate) string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// dateFieldFromJMAP validates a JMAP date string against the write rule
// (year in [1,1604] is rejected, except 0 which is the "omitted"
// sentinel) and produces the vCard field: year 0 writes as magic 1604 with
// X-APPLE-OMIT-YEAR=1604, month/day 0 write as 01 with X-FM-NO-MONTH=1 /
// X-FM-NO-DAY=1.
func dateFieldFromJMAP(propName, s string) (*vcard.Field, error) {
	d, err := parseJMAPDate(s)
	if err != nil {
		return nil, err
	}
	if d.Year != 0 && d.Year < 1605 {
		return nil, fmt.Errorf("carddav: year %d not valid (must be 0 or >= 1605)", d.Year)
	}

	params := vcard.Params{}
	year, month, day := d.Year, d.Month, d.Day
	if year == 0 {
		year = 1604
		params.Add("X-APPLE-OMIT-YEAR", "1604")
	}
	if month == 0 {
		month = 1
		params.Add("X-FM-NO-MONTH", "1")
	}
	if day == 0 {
		day = 1
		params.Add("X-FM-NO-DAY", "1")
	}

	return &vcard.Field{
		Value:  fmt.Sprintf("%04d-%02d-%02d", year, month, day),
		Params: params,
	}, nil
}

// dateFieldToJMAP is the read-side inverse (_date_to_jmap): year 1604 (with
// or without the omit param) and the omit params all fold their component
// to 0; an absent field produces the "0000-00-00" sentinel the caller emits
// for missing dates.
func dateFieldToJMAP(f *vcard.Field) string {
	if f == nil {
		return "0000-00-00"
	}
	d, err := parseJMAPDate(f.Value)
	if err != nil {
		return "0000-00-00"
	}
	if d.Year == 1604 || f.Params.Get("X-APPLE-OMIT-YEAR") != "" {
		d.Year = 0
	}
	if f.Params.Get("X-FM-NO-MONTH") != "" {
		d.Month = 0
	}
	if f.Params.Get("X-FM-NO-DAY") != "" {
		d.Day = 0
	}
	if d.Month > 12 || d.Day > 31 {
		return "0000-00-00"
	}
	return formatJMAPDate(d)
}
