package testutil

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomString generates a random string of n characters
func RandomString(n int) string {
	bytes := make([]byte, n/2+1)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)[:n]
}

// NewSessionID returns a unique session id for one test.
func NewSessionID() string {
	return "citest-" + RandomString(12)
}
