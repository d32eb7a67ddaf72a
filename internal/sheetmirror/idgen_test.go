package sheetmirror

import (
	"testing"
	"time"
)

func TestGenerateIDAtKeepsTrailingSixDigits(t *testing.T) {
	cases := []struct {
		millis int64
		offset int
		want   string
	}{
		{millis: 1700000123456, offset: 0, want: "123456"},
		{millis: 1700000123456, offset: 999, want: "124455"},
		{millis: 42, offset: 0, want: "000042"},
		{millis: 1999999, offset: 1, want: "000000"},
	}
	for _, tc := range cases {
		got := generateIDAt(time.UnixMilli(tc.millis), tc.offset)
		if got != tc.want {
			t.Fatalf("generateIDAt(%d, %d) = %q, want %q", tc.millis, tc.offset, got, tc.want)
		}
	}
}

func TestGenerateIDFormat(t *testing.T) {
	for i := 0; i < 500; i++ {
		if id := GenerateID(); !IsValidID(id) {
			t.Fatalf("expected six digit id, got %q", id)
		}
	}
}

func TestIsValidID(t *testing.T) {
	valid := []string{"000000", "123456", "999999"}
	invalid := []string{"", "12345", "1234567", "12a456", " 12345", "١٢٣٤٥٦"}
	for _, id := range valid {
		if !IsValidID(id) {
			t.Fatalf("expected %q to be valid", id)
		}
	}
	for _, id := range invalid {
		if IsValidID(id) {
			t.Fatalf("expected %q to be invalid", id)
		}
	}
}
