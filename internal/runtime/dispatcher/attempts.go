package dispatcher

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/drblury/predictflow/internal/runtime/broker"
	"github.com/drblury/predictflow/internal/runtime/metadata"
)

const defaultAttemptCacheSize = 4096

// attemptTracker counts deliveries of undecodable messages. Quorum queues
// report prior deliveries in x-delivery-count; classic queues do not, so the
// tracker falls back to a bounded in-process cache keyed by message identity.
type attemptTracker struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func newAttemptTracker(size int) (*attemptTracker, error) {
	if size <= 0 {
		size = defaultAttemptCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &attemptTracker{cache: cache}, nil
}

// Record registers one more failed delivery of d and returns the total number
// of attempts so far, including this one.
func (t *attemptTracker) Record(d broker.Delivery) int {
	if n, ok := metadata.HeaderInt(d.Headers, metadata.KeyDeliveryCount); ok && n >= 0 {
		return int(n) + 1
	}

	key := attemptKey(d)
	t.mu.Lock()
	defer t.mu.Unlock()
	attempts := 1
	if v, ok := t.cache.Get(key); ok {
		attempts = v.(int) + 1
	}
	t.cache.Add(key, attempts)
	return attempts
}

// Forget drops the counter for d once it has been resolved.
func (t *attemptTracker) Forget(d broker.Delivery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Remove(attemptKey(d))
}

// Len is the number of undecodable messages still awaiting a final outcome.
func (t *attemptTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}

func attemptKey(d broker.Delivery) string {
	if d.MessageID != "" {
		return "id:" + d.MessageID
	}
	if uuid := headerString(d.Headers, metadata.KeyMessageUUID); uuid != "" {
		return "uuid:" + uuid
	}
	sum := sha256.Sum256(d.Body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func headerString(headers map[string]any, key string) string {
	switch v := headers[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
