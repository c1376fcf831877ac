package dupdetect

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/autoclaude/autoclaude/internal/config"
	"github.com/autoclaude/autoclaude/internal/lockfile"
)

// DefaultCacheTTL is how long a cached embedding stays fresh.
const DefaultCacheTTL = 24 * time.Hour

// cacheEntry is one stored vector with its explicit expiry.
type cacheEntry struct {
	Vector    []float64 `json:"vector"`
	ExpiresAt time.Time `json:"expires_at"`
}

// cacheState is the persisted per-repo cache file.
type cacheState struct {
	Entries map[string]cacheEntry `json:"entries"`
}

// Cache stores embeddings per repository, keyed by a short content hash over
// provider name and text. Reads and writes go through locked JSON updates.
type Cache struct {
	path        string
	ttl         time.Duration
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewCache opens the cache for one repo under the given repository root.
func NewCache(root, repo string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		path:        config.NewPaths(root).EmbeddingsFile(repo),
		ttl:         ttl,
		lockTimeout: 5 * time.Second,
		logger:      slog.Default(),
		now:         time.Now,
	}
}

// cacheKey is the first 16 hex chars of sha256(provider '\n' text).
func cacheKey(provider, text string) string {
	h := sha256.Sum256([]byte(provider + "\n" + text))
	return hex.EncodeToString(h[:])[:16]
}

// Get returns the cached vector for the text, or nil if absent or expired.
func (c *Cache) Get(provider, text string) ([]float64, error) {
	state := &cacheState{}
	if _, err := lockfile.ReadJSON(c.path, c.lockTimeout, state); err != nil {
		return nil, err
	}
	entry, ok := state.Entries[cacheKey(provider, text)]
	if !ok || !c.now().Before(entry.ExpiresAt) {
		return nil, nil
	}
	return entry.Vector, nil
}

// Put stores a vector with a fresh expiry, evicting expired entries in
// passing.
func (c *Cache) Put(provider, text string, vector []float64) error {
	key := cacheKey(provider, text)
	return lockfile.LockedJSONUpdate(c.path, c.lockTimeout,
		func(current []byte) (any, error) {
			state := &cacheState{Entries: map[string]cacheEntry{}}
			if current != nil {
				if err := json.Unmarshal(current, state); err != nil {
					c.logger.Warn("embedding cache unreadable, resetting", "path", c.path, "error", err)
					state = &cacheState{Entries: map[string]cacheEntry{}}
				}
			}
			if state.Entries == nil {
				state.Entries = map[string]cacheEntry{}
			}
			now := c.now()
			for k, e := range state.Entries {
				if !now.Before(e.ExpiresAt) {
					delete(state.Entries, k)
				}
			}
			state.Entries[key] = cacheEntry{Vector: vector, ExpiresAt: now.Add(c.ttl)}
			return state, nil
		})
}
