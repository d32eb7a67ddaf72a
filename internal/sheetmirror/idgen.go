package sheetmirror

import (
	"math/rand"
	"strconv"
	"strings"
	"time"
)

const idLength = 6

// IDGenerator returns a six digit identifier. Store and Syncer take one so tests
// can pin the sequence.
type IDGenerator func() string

// GenerateID combines the current millisecond clock with a random offset in
// [0, 1000) and keeps the trailing six decimal digits, left padded with zeros.
// Collisions between independent processes are possible.
func GenerateID() string {
	return generateIDAt(time.Now(), rand.Intn(1000))
}

func generateIDAt(now time.Time, offset int) string {
	combined := strconv.FormatInt(now.UnixMilli()+int64(offset), 10)
	if len(combined) > idLength {
		combined = combined[len(combined)-idLength:]
	}
	if len(combined) < idLength {
		combined = strings.Repeat("0", idLength-len(combined)) + combined
	}
	return combined
}

// IsValidID reports whether s is exactly six ASCII digits.
func IsValidID(s string) bool {
	if len(s) != idLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
