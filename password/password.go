// Package password implements a class-alternating password generator,
// using a single shared crypto/rand source behind a mutex rather than a
// per-call RNG.
package password

import (
	"crypto/rand"
	"math/big"
	"sync"
)

// DefaultLength is the length of a generated password when Generate is
// called with length 0.
const DefaultLength = 32

var classes = []string{
	"abcdefghijklmnopqrstuvwxyz",
	"0123456789",
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ",
	"!-_.",
}

// mu serializes access to the shared crypto/rand reader, a single
// process-wide RNG rather than one allocated per call.
var mu sync.Mutex

// Generate returns a length-character password where no two consecutive
// characters are drawn from the same character class (lowercase, digit,
// uppercase, symbol). length <= 0 yields DefaultLength characters.
func Generate(length int) (string, error) {
	if length <= 0 {
		length = DefaultLength
	}

	mu.Lock()
	defer mu.Unlock()

	out := make([]byte, length)
	prevClass := -1
	for i := 0; i < length; i++ {
		classIdx, err := pickClass(prevClass)
		if err != nil {
			return "", err
		}
		c, err := randChar(classes[classIdx])
		if err != nil {
			return "", err
		}
		out[i] = c
		prevClass = classIdx
	}
	return string(out), nil
}

// pickClass returns a class index different from exclude, rejecting and
// redrawing candidates equal to it rather than computing a reduced index
// space directly, so the distribution across the remaining classes stays
// uniform.
func pickClass(exclude int) (int, error) {
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(classes))))
		if err != nil {
			return 0, err
		}
		idx := int(n.Int64())
		if idx != exclude {
			return idx, nil
		}
	}
}

func randChar(class string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(class))))
	if err != nil {
		return 0, err
	}
	return class[n.Int64()], nil
}
