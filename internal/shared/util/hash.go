package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashPatientKey returns a filesystem-safe identifier for a patient ID so
// raw identifiers never appear in storage paths.
func HashPatientKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
