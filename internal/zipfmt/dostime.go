package zipfmt

import "time"

// The MS-DOS timestamp format packs a date into 16 bits (years since 1980)
// and a time into 16 bits with 2-second resolution.

// DOSTime converts t to MS-DOS date and time fields. Times before 1980 clamp
// to the epoch start; times after 2107 clamp to the maximum representable.
func DOSTime(t time.Time) (dosDate, dosTime uint16) {
	t = t.Local()
	year := t.Year()
	switch {
	case year < 1980:
		return 0x21, 0 // 1980-01-01 00:00:00
	case year > 2107:
		return 0xff9f, 0xbf7d // 2107-12-31 23:59:58
	}
	dosDate = uint16((year-1980)<<9 | int(t.Month())<<5 | t.Day())
	dosTime = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	return dosDate, dosTime
}

// Time converts MS-DOS date and time fields to a time.Time in the local
// location. Out-of-range components are normalized by time.Date.
func Time(dosDate, dosTime uint16) time.Time {
	return time.Date(
		int(dosDate>>9)+1980,
		time.Month(dosDate>>5&0xf),
		int(dosDate&0x1f),
		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f)*2,
		0,
		time.Local,
	)
}
