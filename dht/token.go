package dht

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// tokenKeeper produces and verifies get_peers/announce_peer write-access
// tokens. With RotationInterval zero it behaves like the reference
// implementation's process-lifetime key; with a positive interval it
// derives a fresh key per epoch via HKDF-SHA256 and accepts tokens
// produced under the current or immediately preceding epoch.
type tokenKeeper struct {
	mu       sync.Mutex
	interval time.Duration
	epoch    int64
	current  []byte
	previous []byte
	started  time.Time
}

func newTokenKeeper(interval time.Duration) (*tokenKeeper, error) {
	key := make([]byte, 20)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("dht: generate token key: %w", err)
	}
	return &tokenKeeper{
		interval: interval,
		current:  key,
		started:  time.Now(),
	}, nil
}

// maybeRotate advances to the next epoch's key if the rotation interval
// has elapsed. A zero interval never rotates.
func (k *tokenKeeper) maybeRotate(now time.Time) {
	if k.interval <= 0 {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	elapsed := now.Sub(k.started)
	wantEpoch := int64(elapsed / k.interval)
	for k.epoch < wantEpoch {
		k.epoch++
		k.previous = k.current
		k.current = expandEpochKey(k.current, k.epoch)
	}
}

func expandEpochKey(key []byte, epoch int64) []byte {
	info := []byte(fmt.Sprintf("epoch-%d", epoch))
	kdf := hkdf.Expand(sha256.New, key, info)
	next := make([]byte, 20)
	io.ReadFull(kdf, next)
	return next
}

// For computes the token for a 4-byte IPv4 address under the current key.
func (k *tokenKeeper) For(ip [4]byte) string {
	k.mu.Lock()
	key := k.current
	k.mu.Unlock()
	return computeToken(key, ip)
}

// Verify reports whether token matches ip under the current key or, if
// rotation is enabled, the immediately preceding one.
func (k *tokenKeeper) Verify(token string, ip [4]byte) bool {
	k.mu.Lock()
	current, previous := k.current, k.previous
	k.mu.Unlock()

	if hmac.Equal([]byte(token), []byte(computeToken(current, ip))) {
		return true
	}
	if previous != nil && hmac.Equal([]byte(token), []byte(computeToken(previous, ip))) {
		return true
	}
	return false
}

func computeToken(key []byte, ip [4]byte) string {
	mac := hmac.New(sha1.New, key)
	mac.Write(ip[:])
	return string(mac.Sum(nil))
}
