// Package exif extracts capture timestamps from uploaded image files.
//
// Only the two date tags the product needs are consulted: DateTimeOriginal,
// then DateTime as a fallback. Anything else in the EXIF block is ignored,
// and a photo without usable EXIF simply has no capture date.
package exif

import (
	"io"
	"strings"
	"time"

	goexif "github.com/rwcarlsen/goexif/exif"
)

// exifTimeLayout matches the "YYYY:MM:DD HH:MM:SS" format EXIF dates use.
const exifTimeLayout = "2006:01:02 15:04:05"

// CaptureDate reads the EXIF block from r and returns the capture timestamp,
// interpreted as UTC. The boolean is false when the image has no EXIF data,
// no date tags, or an unparseable value; decode problems are never treated as
// errors because uploads must succeed regardless.
func CaptureDate(r io.Reader) (time.Time, bool) {
	meta, err := goexif.Decode(r)
	if err != nil {
		return time.Time{}, false
	}
	for _, field := range []goexif.FieldName{goexif.DateTimeOriginal, goexif.DateTime} {
		tag, err := meta.Get(field)
		if err != nil {
			continue
		}
		raw, err := tag.StringVal()
		if err != nil {
			continue
		}
		if parsed, ok := ParseDate(raw); ok {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// ParseDate parses a raw EXIF date string as UTC.
func ParseDate(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(strings.Trim(raw, "\x00"))
	if trimmed == "" {
		return time.Time{}, false
	}
	parsed, err := time.ParseInLocation(exifTimeLayout, trimmed, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}
