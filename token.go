package convsync

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// TokenPrefix marks correlation tokens so they never collide with server ids.
const TokenPrefix = "temp-"

// TokenSource produces correlation tokens for outbound messages.
type TokenSource interface {
	NewToken() string
}

// ULIDTokens generates monotonic ULID based tokens. Safe for concurrent use.
type ULIDTokens struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	seq     atomic.Uint64
}

// NewTokenGenerator returns a ULIDTokens seeded from crypto/rand.
func NewTokenGenerator() *ULIDTokens {
	return &ULIDTokens{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewToken never fails: on entropy exhaustion it falls back to a counter token.
func (g *ULIDTokens) NewToken() string {
	now := time.Now()

	g.mu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), g.entropy)
	g.mu.Unlock()

	if err != nil {
		return fmt.Sprintf("%s%d-%d", TokenPrefix, now.UnixNano(), g.seq.Add(1))
	}
	return TokenPrefix + strings.ToLower(id.String())
}

// TokenFunc adapts a plain function to TokenSource.
type TokenFunc func() string

func (f TokenFunc) NewToken() string { return f() }
