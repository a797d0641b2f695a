package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fossibot-bridge/internal/errors"
	"fossibot-bridge/internal/logger"
)

// tokenRecord is the on-disk shape of one staged token
type tokenRecord struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	CachedAt  int64  `json:"cached_at"`
}

// TokenCache persists staged auth tokens per account in
// tokens_{md5(email)}.json. A token is returned only while its remaining
// lifetime exceeds the safety margin; everything else is a miss.
type TokenCache struct {
	dir          string
	safetyMargin time.Duration
	maxTokenTTL  time.Duration

	mu  sync.Mutex
	now func() time.Time
}

// NewTokenCache creates a token cache rooted at dir. maxTokenTTL caps every
// stored expiry regardless of what the server claimed; the login token's
// advertised multi-year lifetime is not honored server-side.
func NewTokenCache(dir string, safetyMargin, maxTokenTTL time.Duration) *TokenCache {
	return &TokenCache{
		dir:          dir,
		safetyMargin: safetyMargin,
		maxTokenTTL:  maxTokenTTL,
		now:          time.Now,
	}
}

func (c *TokenCache) path(email string) string {
	return filepath.Join(c.dir, fmt.Sprintf("tokens_%s.json", accountKey(email)))
}

// load reads the token file; any failure yields an empty map
func (c *TokenCache) load(email string) map[Stage]tokenRecord {
	records := make(map[Stage]tokenRecord)

	data, err := os.ReadFile(c.path(email))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.LogDebug("Token cache read failed for %s: %v", email, err)
		}
		return records
	}
	if err := json.Unmarshal(data, &records); err != nil {
		logger.LogDebug("Token cache corrupt for %s, treating as miss: %v", email, err)
		return make(map[Stage]tokenRecord)
	}
	return records
}

// Get returns the cached token for a stage, or a miss when it is absent,
// corrupt, or expires within the safety margin.
func (c *TokenCache) Get(email string, stage Stage) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.load(email)[stage]
	if !ok || rec.Token == "" {
		return "", false
	}

	deadline := c.now().Add(c.safetyMargin).Unix()
	if rec.ExpiresAt <= deadline {
		logger.LogDebug("Token cache: %s/%s expires within safety margin", email, stage)
		return "", false
	}
	return rec.Token, true
}

// Put stores a token atomically. The stored expiry is the earlier of the
// server-declared expiry and cache time + maxTokenTTL.
func (c *TokenCache) Put(email string, stage Stage, token string, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ceiling := now.Add(c.maxTokenTTL)
	if expiresAt.After(ceiling) {
		expiresAt = ceiling
	}

	records := c.load(email)
	records[stage] = tokenRecord{
		Token:     token,
		ExpiresAt: expiresAt.Unix(),
		CachedAt:  now.Unix(),
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Persistence("marshal token cache", err).WithAccount(email)
	}
	if err := writeFileAtomic(c.path(email), data); err != nil {
		return errors.Persistence("write token cache", err).WithAccount(email)
	}
	return nil
}

// Invalidate removes the given stages, or the whole account entry when no
// stage is named.
func (c *TokenCache) Invalidate(email string, stages ...Stage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(stages) == 0 {
		if err := os.Remove(c.path(email)); err != nil && !os.IsNotExist(err) {
			return errors.Persistence("remove token cache", err).WithAccount(email)
		}
		return nil
	}

	records := c.load(email)
	for _, stage := range stages {
		delete(records, stage)
	}
	if len(records) == 0 {
		if err := os.Remove(c.path(email)); err != nil && !os.IsNotExist(err) {
			return errors.Persistence("remove token cache", err).WithAccount(email)
		}
		return nil
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Persistence("marshal token cache", err).WithAccount(email)
	}
	if err := writeFileAtomic(c.path(email), data); err != nil {
		return errors.Persistence("write token cache", err).WithAccount(email)
	}
	return nil
}
