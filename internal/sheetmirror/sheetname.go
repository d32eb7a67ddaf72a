package sheetmirror

import (
	"strings"
	"time"
)

const (
	sheetNameSeparator = "_"
	sheetDateLayout    = "20060102"
	maxPrefixLength    = 10
)

// SheetName is the structured form of a sheet key such as
// "ContactInf_042917_20240611".
type SheetName struct {
	Prefix string
	ID     string
	Date   string
}

// MakeSheetName sanitizes title down to ASCII letters and digits, keeps the
// first ten of them and pairs the result with id and the compact date.
func MakeSheetName(title, id string, date time.Time) SheetName {
	return SheetName{
		Prefix: sanitizePrefix(title),
		ID:     id,
		Date:   date.Format(sheetDateLayout),
	}
}

func (n SheetName) String() string {
	return n.Prefix + sheetNameSeparator + n.ID + sheetNameSeparator + n.Date
}

// ParseSheetName splits a sheet key into its parts. ok is false when the id
// segment is missing or is not exactly six digits; the prefix and date are
// still filled from whatever segments exist.
func ParseSheetName(raw string) (SheetName, bool) {
	parts := strings.Split(raw, sheetNameSeparator)
	var name SheetName
	name.Prefix = parts[0]
	if len(parts) > 2 {
		name.Date = parts[2]
	}
	if len(parts) < 2 || !IsValidID(parts[1]) {
		return name, false
	}
	name.ID = parts[1]
	return name, true
}

// ParseSheetID returns the six digit id embedded in a sheet key, or "" when
// the key is malformed.
func ParseSheetID(raw string) string {
	name, ok := ParseSheetName(raw)
	if !ok {
		return ""
	}
	return name.ID
}

func sanitizePrefix(title string) string {
	var b strings.Builder
	for _, r := range title {
		if b.Len() == maxPrefixLength {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
