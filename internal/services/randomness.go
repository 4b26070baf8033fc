package services

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
)

// Randomness picks the winning participant index. Implementations must return
// a value uniformly distributed over [0, bound).
type Randomness interface {
	NextIndex(bound int) (int, error)
}

var errBadBound = errors.New("randomness: bound must be positive")

// CryptoRandomness draws from the operating system's entropy source.
type CryptoRandomness struct{}

func (CryptoRandomness) NextIndex(bound int) (int, error) {
	if bound <= 0 {
		return 0, errBadBound
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(bound)))
	if err != nil {
		return 0, fmt.Errorf("randomness: %w", err)
	}
	return int(n.Int64()), nil
}

// SeededRandomness derives indexes from HMAC-SHA256 over a server secret and a
// draw counter. Anyone holding the secret after it is revealed can replay
// every draw; nobody without it can predict one.
type SeededRandomness struct {
	mu      sync.Mutex
	secret  []byte
	counter uint64
}

// NewSeededRandomness returns a source keyed by secret.
func NewSeededRandomness(secret []byte) (*SeededRandomness, error) {
	if len(secret) < 16 {
		return nil, errors.New("randomness: secret must be at least 16 bytes")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &SeededRandomness{secret: key}, nil
}

func (s *SeededRandomness) NextIndex(bound int) (int, error) {
	if bound <= 0 {
		return 0, errBadBound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Reject values past the largest multiple of bound to avoid modulo bias.
	limit := math.MaxUint64 - math.MaxUint64%uint64(bound)
	var buf [16]byte
	for attempt := uint64(0); ; attempt++ {
		binary.BigEndian.PutUint64(buf[:8], s.counter)
		binary.BigEndian.PutUint64(buf[8:], attempt)
		mac := hmac.New(sha256.New, s.secret)
		mac.Write(buf[:])
		v := binary.BigEndian.Uint64(mac.Sum(nil)[:8])
		if v < limit {
			s.counter++
			return int(v % uint64(bound)), nil
		}
	}
}
