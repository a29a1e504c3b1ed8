package exif

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	parsed, ok := ParseDate("2023:06:01 12:30:45")
	if !ok {
		t.Fatal("expected date to parse")
	}
	want := time.Date(2023, 6, 1, 12, 30, 45, 0, time.UTC)
	if !parsed.Equal(want) {
		t.Fatalf("expected %v, got %v", want, parsed)
	}
	if parsed.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", parsed.Location())
	}
}

func TestParseDateTrimsPadding(t *testing.T) {
	if _, ok := ParseDate("  2023:06:01 12:30:45\x00"); !ok {
		t.Fatal("expected padded date to parse")
	}
}

func TestParseDateRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "   ", "\x00", "2023-06-01 12:30:45", "not a date"} {
		if _, ok := ParseDate(raw); ok {
			t.Fatalf("expected %q to fail", raw)
		}
	}
}

func TestCaptureDateWithoutExif(t *testing.T) {
	// A plain byte stream has no EXIF block; the upload must still succeed,
	// so no error surfaces, only a false flag.
	if _, ok := CaptureDate(strings.NewReader("not an image")); ok {
		t.Fatal("expected no capture date for non-image data")
	}
	if _, ok := CaptureDate(bytes.NewReader(nil)); ok {
		t.Fatal("expected no capture date for empty data")
	}
}
