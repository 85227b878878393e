package boundary

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// maxTemporaryNameAttempts bounds GenerateTemporaryName's retry loop,
// reused verbatim from the original_source sqlite.rs temporary_name
// pattern: a handful of random-name attempts, each checked against the
// caller's existence predicate, rather than looping forever.
const maxTemporaryNameAttempts = 10

// GenerateTemporaryName returns a random file name of the form
// "tmp-<16 hex chars>" not reported as existing by exists, retrying up to
// maxTemporaryNameAttempts times before giving up. Useful to any directory
// container that needs SQLite-journal-style scratch names for atomic
// rename-into-place.
func GenerateTemporaryName(exists func(string) bool) (string, error) {
	for attempt := 0; attempt < maxTemporaryNameAttempts; attempt++ {
		name, err := randomTempName()
		if err != nil {
			return "", err
		}
		if !exists(name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("boundary: could not find an unused temporary name after %d attempts", maxTemporaryNameAttempts)
}

func randomTempName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("boundary: generating temporary name: %w", err)
	}
	return "tmp-" + hex.EncodeToString(buf[:]), nil
}
