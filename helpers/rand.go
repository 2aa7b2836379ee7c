package helpers

import (
	"math/rand"
	"time"
)

// RandUnix is not safe for concurrent use, unlike global rand functions.
func RandUnix() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
