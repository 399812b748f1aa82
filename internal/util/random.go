// Package util provides small helpers shared across NiaCoach components.
package util

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

const (
	hexChars          = "0123456789abcdef"
	alphaNumericChars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// GenerateRandomID returns "{prefix}{hex}" with hexLength random hex characters.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns a random lowercase hex string. Not for secrets.
func GenerateRandomHex(length int) string {
	return randomFrom(hexChars, length)
}

// GenerateRandomAlphaNumeric returns a random [0-9A-Za-z] string. Not for secrets.
func GenerateRandomAlphaNumeric(length int) string {
	return randomFrom(alphaNumericChars, length)
}

func randomFrom(alphabet string, length int) string {
	if length <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return b.String()
}

// GenerateReminderID returns the id of one reminder slot of a user's batch:
// "reminder-{userID}-{slot}-{random}".
func GenerateReminderID(userID string, slot int) string {
	return fmt.Sprintf("reminder-%s-%d-%s", userID, slot, GenerateRandomAlphaNumeric(8))
}

// GenerateExportName returns a file name like "morning-journal-{random}.pdf".
func GenerateExportName(topic, ext string) string {
	return fmt.Sprintf("%s-%s.%s", topic, GenerateRandomAlphaNumeric(12), strings.TrimPrefix(ext, "."))
}
